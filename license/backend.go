package license

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Backend holds the full license record set. Records are never deleted, only
// mutated, so Save always receives the complete set.
type Backend interface {
	Load() (map[string]*Record, error)
	Save(map[string]*Record) error
}

type fileData struct {
	Licenses map[string]*Record `json:"licenses"`
}

type fileBackend struct {
	path string
}

// NewFileBackend stores the record set as a single JSON document, written
// atomically (temp file + rename) with the previous version kept as .backup.
func NewFileBackend(path string) Backend {
	return &fileBackend{path: path}
}

func (f *fileBackend) Load() (map[string]*Record, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]*Record), nil
	}
	if err != nil {
		return nil, err
	}

	var doc fileData
	if err := json.Unmarshal(data, &doc); err != nil {
		// Keep the unreadable file around for manual recovery instead of
		// silently overwriting it on the next save.
		corrupted := fmt.Sprintf("%s.corrupted.%d", f.path, time.Now().UnixMilli())
		if copyErr := copyFile(f.path, corrupted); copyErr == nil {
			log.Printf("[Licenses] %s is corrupt, copy kept at %s", f.path, corrupted)
		}
		return make(map[string]*Record), nil
	}
	if doc.Licenses == nil {
		doc.Licenses = make(map[string]*Record)
	}
	for key, rec := range doc.Licenses {
		rec.Key = key
	}
	return doc.Licenses, nil
}

func (f *fileBackend) Save(records map[string]*Record) error {
	data, err := json.MarshalIndent(fileData{Licenses: records}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if _, err := os.Stat(f.path); err == nil {
		_ = copyFile(f.path, f.path+".backup")
	}

	tmp, err := os.CreateTemp(dir, ".licenses-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

type mongoBackend struct {
	col *mongo.Collection
}

// NewMongoBackend keeps one document per license in the "licenses" collection.
func NewMongoBackend(uri, dbName string) (Backend, error) {
	if uri == "" || dbName == "" {
		return nil, fmt.Errorf("database.mongodb.uri and database.mongodb.database must be set to use licenses.backend=mongodb")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	col := client.Database(dbName).Collection("licenses")
	col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return &mongoBackend{col: col}, nil
}

func (m *mongoBackend) Load() (map[string]*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cursor, err := m.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	records := make(map[string]*Record)
	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			continue
		}
		records[rec.Key] = &rec
	}
	return records, cursor.Err()
}

func (m *mongoBackend) Save(records map[string]*Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rec := range records {
		if _, err := m.col.ReplaceOne(
			ctx,
			bson.M{"key": rec.Key},
			rec,
			options.Replace().SetUpsert(true),
		); err != nil {
			return err
		}
	}
	return nil
}
