// Package catalog implements the folder database: a SQLite catalog of dataset
// records, answer vocabularies and layers, plus the content files it indexes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const (
	dbFileName = "main.db"
	dataDir    = "data"

	// readBatchSize is the number of rows fetched per query while hydrating.
	readBatchSize = 1024
)

// Catalog is a single-writer store of dataset records. Records of hydrated
// layers are mirrored in memory in insertion order.
type Catalog struct {
	folder string
	logger *zap.Logger

	mu sync.Mutex
	db *sqlx.DB

	records  map[int][]Record
	position map[int]map[string]int
	answers  map[int][]string
	layers   []int
}

// New returns a catalog rooted at folder. Call Create or Open before use.
func New(folder string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Catalog{
		folder: folder,
		logger: logger.With(zap.String("folder", folder)),
	}
	c.clearData()
	return c
}

// Folder returns the catalog root folder.
func (c *Catalog) Folder() string {
	return c.folder
}

// DBPath returns the path of the SQLite database file.
func (c *Catalog) DBPath() string {
	return filepath.Join(c.folder, dbFileName)
}

// DataPath returns the folder holding content files.
func (c *Catalog) DataPath() string {
	return filepath.Join(c.folder, dataDir)
}

// FilePath resolves a record file name to a path on disk.
func (c *Catalog) FilePath(fileName string) string {
	return filepath.Join(c.folder, dataDir, filepath.FromSlash(fileName))
}

func (c *Catalog) clearData() {
	c.records = make(map[int][]Record)
	c.position = make(map[int]map[string]int)
	c.answers = make(map[int][]string)
	c.layers = nil
}

// Create removes any existing database (including WAL side files) and opens a
// fresh, empty one.
func (c *Catalog) Create(ctx context.Context) error {
	if err := os.MkdirAll(c.folder, 0755); err != nil {
		return &StorageError{Op: "create folder", Err: err}
	}

	c.mu.Lock()
	if c.db != nil {
		c.db.Close()
		c.db = nil
	}
	c.mu.Unlock()

	dbPath := c.DBPath()
	for _, p := range []string{dbPath, dbPath + "-shm", dbPath + "-wal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &StorageError{Op: "remove " + filepath.Base(p), Err: err}
		}
	}

	if err := c.Open(ctx, false); err != nil {
		return err
	}

	c.mu.Lock()
	c.clearData()
	c.mu.Unlock()

	c.logger.Info("Catalog created", zap.String("db_path", dbPath))
	return nil
}

// Open opens or creates the database in write-ahead logging mode. When read
// is true the mirrors of layer 0 are hydrated from durable rows.
func (c *Catalog) Open(ctx context.Context, read bool) error {
	if err := os.MkdirAll(c.folder, 0755); err != nil {
		return &StorageError{Op: "create folder", Err: err}
	}

	db, err := sqlx.Open("sqlite", c.DBPath())
	if err != nil {
		return &StorageError{Op: "open", Err: err}
	}
	// One connection keeps a single writer and lets the mirrors follow the
	// exact order of inserts.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return &StorageError{Op: "open", Err: err}
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return &StorageError{Op: "set journal mode", Err: err}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return err
	}

	c.mu.Lock()
	if c.db != nil {
		c.db.Close()
	}
	c.db = db
	c.clearData()
	c.mu.Unlock()

	if read {
		if err := c.ReadLayer(ctx, 0); err != nil {
			return err
		}
	}

	c.logger.Info("Catalog opened", zap.Bool("read", read), zap.Int("records", c.LayerCount(0)))
	return nil
}

// ReadLayer hydrates the in-memory mirrors of one layer from durable rows,
// replacing whatever the mirrors held for it.
func (c *Catalog) ReadLayer(ctx context.Context, layer int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return ErrClosed
	}

	delete(c.records, layer)
	delete(c.position, layer)
	delete(c.answers, layer)

	var layers []int
	if err := c.db.SelectContext(ctx, &layers, `SELECT layer FROM layers ORDER BY layer`); err != nil {
		return &StorageError{Op: "read layers", Err: err}
	}
	for _, l := range layers {
		c.addLayer(l)
	}

	var answers []string
	err := c.db.SelectContext(ctx, &answers,
		`SELECT answer FROM answers WHERE layer = ? ORDER BY id ASC`, layer)
	if err != nil {
		return &StorageError{Op: "read answers", Err: err}
	}
	for _, a := range answers {
		c.addAnswer(layer, a)
	}

	var lastID int64
	for {
		var batch []Record
		err := c.db.SelectContext(ctx, &batch, `
			SELECT * FROM dataset
			WHERE layer = ? AND id > ?
			ORDER BY id ASC
			LIMIT ?`, layer, lastID, readBatchSize)
		if err != nil {
			return &StorageError{Op: "read records", Err: err}
		}
		if len(batch) == 0 {
			break
		}
		for _, rec := range batch {
			c.addRecord(rec)
		}
		lastID = batch[len(batch)-1].ID
	}

	return nil
}

// Flush checkpoints the write-ahead log into the main database file.
func (c *Catalog) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE);"); err != nil {
		return &StorageError{Op: "flush", Err: err}
	}
	return nil
}

// Close flushes and releases the database. Closing a closed catalog is a no-op.
func (c *Catalog) Close() error {
	if err := c.Flush(context.Background()); err != nil {
		c.logger.Warn("Flush before close failed", zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

func (c *Catalog) addLayer(layer int) {
	i := sort.SearchInts(c.layers, layer)
	if i < len(c.layers) && c.layers[i] == layer {
		return
	}
	c.layers = append(c.layers, 0)
	copy(c.layers[i+1:], c.layers[i:])
	c.layers[i] = layer
}

func (c *Catalog) hasAnswer(layer int, answer string) bool {
	for _, a := range c.answers[layer] {
		if a == answer {
			return true
		}
	}
	return false
}

func (c *Catalog) addAnswer(layer int, answer string) {
	if answer == "" || c.hasAnswer(layer, answer) {
		return
	}
	c.addLayer(layer)
	c.answers[layer] = append(c.answers[layer], answer)
}

func (c *Catalog) addRecord(rec Record) {
	c.addLayer(rec.Layer)
	c.addAnswer(rec.Layer, rec.Answer)

	if c.position[rec.Layer] == nil {
		c.position[rec.Layer] = make(map[string]int)
	}
	c.position[rec.Layer][rec.FileName] = len(c.records[rec.Layer])
	c.records[rec.Layer] = append(c.records[rec.Layer], rec)
}

func (c *Catalog) conn() (*sqlx.DB, error) {
	if c.db == nil {
		return nil, ErrClosed
	}
	return c.db, nil
}

func (c *Catalog) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("Catalog(%s): %d layers", c.folder, len(c.layers))
}
