package catalog

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/tsawler/tinyai/tensor"
)

// Record types stored by SaveFile when the caller leaves Type empty.
const (
	TypeImage  = "image"
	TypeTensor = "tensor"
	TypeFile   = "file"
)

// Record is one catalog entry describing a stored content item.
type Record struct {
	ID        int64  `db:"id" json:"id"`
	Layer     int    `db:"layer" json:"layer"`
	Type      string `db:"type" json:"type"`
	FileName  string `db:"file_name" json:"file_name"`
	FileIndex string `db:"file_index" json:"file_index"`
	Answer    string `db:"answer" json:"answer"`
	Predict   string `db:"predict" json:"predict"`
	Width     int    `db:"width" json:"width"`
	Height    int    `db:"height" json:"height"`
	Info      string `db:"info" json:"info"`
}

// SaveRecord inserts rec unless a record with the same layer and file name
// already exists. Existing records are never updated. The returned flag
// reports whether a row was written.
func (c *Catalog) SaveRecord(ctx context.Context, rec Record) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, inserted, err := c.saveRecord(ctx, rec)
	return inserted, err
}

func (c *Catalog) saveRecord(ctx context.Context, rec Record) (Record, bool, error) {
	db, err := c.conn()
	if err != nil {
		return rec, false, err
	}

	if rec.FileName == "" {
		return rec, false, &StorageError{Op: "save record", Err: errors.New("empty file name")}
	}

	existing, found, err := c.findRecord(ctx, rec.Layer, rec.FileName)
	if err != nil {
		return rec, false, err
	}
	if found {
		return existing, false, nil
	}

	if rec.Info == "" {
		rec.Info = "{}"
	}

	res, err := db.NamedExecContext(ctx, `
		INSERT INTO dataset (layer, type, file_name, file_index, answer, predict, width, height, info)
		VALUES (:layer, :type, :file_name, :file_index, :answer, :predict, :width, :height, :info)
		ON CONFLICT (layer, file_name) DO NOTHING`, rec)
	if err != nil {
		return rec, false, &StorageError{Op: "insert record", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return rec, false, &StorageError{Op: "insert record", Err: err}
	}
	if n == 0 {
		return rec, false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}

	c.saveLayer(ctx, rec.Layer)
	if rec.Answer != "" && !c.hasAnswer(rec.Layer, rec.Answer) {
		c.saveAnswer(ctx, rec.Layer, rec.Answer)
	}
	c.addRecord(rec)

	return rec, true, nil
}

// SaveFile stores content under a sharded path derived from the durable
// record count of rec.Layer and inserts the matching record. It fails with
// ErrRecordExists rather than overwrite the content of an existing record. Supported
// content: image.Image (jpg or png), *tensor.Tensor (data) and []byte, which
// requires an explicit ext. The stored record is returned.
func (c *Catalog) SaveFile(ctx context.Context, content any, ext string, rec Record) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.conn(); err != nil {
		return rec, err
	}

	var (
		buf      bytes.Buffer
		kind     string
		defExt   string
		encodeFn func() error
	)

	switch v := content.(type) {
	case image.Image:
		kind, defExt = TypeImage, "jpg"
		b := v.Bounds()
		if rec.Width == 0 && rec.Height == 0 {
			rec.Width, rec.Height = b.Dx(), b.Dy()
		}
		encodeFn = func() error {
			if ext == "png" {
				return png.Encode(&buf, v)
			}
			return jpeg.Encode(&buf, v, &jpeg.Options{Quality: 95})
		}
	case *tensor.Tensor:
		kind, defExt = TypeTensor, "data"
		encodeFn = func() error {
			_, err := buf.Write(tensor.Encode(v))
			return err
		}
	case []byte:
		kind = TypeFile
		if ext == "" {
			return rec, fmt.Errorf("save file: extension required for raw content")
		}
		encodeFn = func() error {
			_, err := buf.Write(v)
			return err
		}
	default:
		return rec, fmt.Errorf("save file: unsupported content type %T", content)
	}

	if ext == "" {
		ext = defExt
	}
	if rec.Type == "" {
		rec.Type = kind
	}

	if err := encodeFn(); err != nil {
		return rec, fmt.Errorf("save file: encode %s: %w", kind, err)
	}

	seq, err := c.countRecords(ctx, rec.Layer)
	if err != nil {
		return rec, err
	}
	rec.FileName = path.Join(ShardPath(seq), fmt.Sprintf("%d-%d.%s", seq, rec.Layer, ext))

	if _, found, err := c.findRecord(ctx, rec.Layer, rec.FileName); err != nil {
		return rec, err
	} else if found {
		return rec, fmt.Errorf("save file %s: %w", rec.FileName, ErrRecordExists)
	}

	filePath := c.FilePath(rec.FileName)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return rec, fmt.Errorf("save file: %w", err)
	}
	if err := os.WriteFile(filePath, buf.Bytes(), 0644); err != nil {
		return rec, fmt.Errorf("save file: %w", err)
	}

	saved, inserted, err := c.saveRecord(ctx, rec)
	if err != nil {
		return saved, err
	}
	if !inserted {
		return saved, fmt.Errorf("save file %s: %w", rec.FileName, ErrRecordExists)
	}
	return saved, nil
}

// countRecords returns the number of durable records in layer, whether or not
// the layer is hydrated.
func (c *Catalog) countRecords(ctx context.Context, layer int) (int, error) {
	var n int
	if err := c.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM dataset WHERE layer = ?`, layer); err != nil {
		return 0, &StorageError{Op: "count records", Err: err}
	}
	return n, nil
}

// SaveAnswer registers answer in the vocabulary of layer. Storage errors are
// logged and reported as not inserted.
func (c *Catalog) SaveAnswer(ctx context.Context, layer int, answer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasAnswer(layer, answer) {
		return false
	}
	return c.saveAnswer(ctx, layer, answer)
}

func (c *Catalog) saveAnswer(ctx context.Context, layer int, answer string) bool {
	if answer == "" {
		return false
	}
	c.saveLayer(ctx, layer)

	inserted, err := c.insertIfAbsent(ctx,
		`INSERT INTO answers (layer, answer) VALUES (?, ?) ON CONFLICT (layer, answer) DO NOTHING`,
		layer, answer)
	if err != nil {
		c.logger.Debug("Save answer skipped", zap.Int("layer", layer), zap.String("answer", answer), zap.Error(err))
		return false
	}
	c.addAnswer(layer, answer)
	return inserted
}

// SaveLayer registers layer in the layer registry.
func (c *Catalog) SaveLayer(ctx context.Context, layer int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLayer(ctx, layer)
}

func (c *Catalog) saveLayer(ctx context.Context, layer int) bool {
	inserted, err := c.insertIfAbsent(ctx,
		`INSERT INTO layers (layer) VALUES (?) ON CONFLICT (layer) DO NOTHING`, layer)
	if err != nil {
		c.logger.Debug("Save layer skipped", zap.Int("layer", layer), zap.Error(err))
		return false
	}
	c.addLayer(layer)
	return inserted
}

// insertIfAbsent runs an INSERT ... ON CONFLICT DO NOTHING statement and
// reports whether it wrote a row.
func (c *Catalog) insertIfAbsent(ctx context.Context, query string, args ...any) (bool, error) {
	db, err := c.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetPredict stores a prediction for an existing record and updates the
// mirror when the layer is hydrated.
func (c *Catalog) SetPredict(ctx context.Context, layer int, fileName, predict string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE dataset SET predict = ? WHERE layer = ? AND file_name = ?`,
		predict, layer, fileName)
	if err != nil {
		return &StorageError{Op: "set predict", Err: err}
	}

	if i, ok := c.position[layer][fileName]; ok {
		c.records[layer][i].Predict = predict
	}
	return nil
}

// GetRecordByIndex returns the index-th record of layer in insertion order.
func (c *Catalog) GetRecordByIndex(index, layer int) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.records[layer]
	if index < 0 || index >= len(records) {
		return Record{}, false
	}
	return records[index], true
}

// FindRecordByFileName looks a record up in durable storage.
func (c *Catalog) FindRecordByFileName(ctx context.Context, layer int, fileName string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.findRecord(ctx, layer, fileName)
}

func (c *Catalog) findRecord(ctx context.Context, layer int, fileName string) (Record, bool, error) {
	db, err := c.conn()
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	err = db.GetContext(ctx, &rec,
		`SELECT * FROM dataset WHERE layer = ? AND file_name = ? LIMIT 1`, layer, fileName)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, &StorageError{Op: "find record", Err: err}
	}
	return rec, true, nil
}

// FindAnswer reports whether answer is registered for layer.
func (c *Catalog) FindAnswer(ctx context.Context, layer int, answer string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.conn()
	if err != nil {
		return false, err
	}
	var id int64
	err = db.GetContext(ctx, &id,
		`SELECT id FROM answers WHERE layer = ? AND answer = ? LIMIT 1`, layer, answer)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "find answer", Err: err}
	}
	return true, nil
}

// LayerCount returns the number of mirrored records in layer.
func (c *Catalog) LayerCount(layer int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records[layer])
}

// Records returns a copy of up to limit mirrored records of layer starting at
// offset. A negative limit returns everything after offset.
func (c *Catalog) Records(layer, offset, limit int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.records[layer]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []Record{}
	}
	end := len(records)
	if limit >= 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]Record, end-offset)
	copy(out, records[offset:end])
	return out
}

// Answers returns the vocabulary of layer in first-seen order.
func (c *Catalog) Answers(layer int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.answers[layer]))
	copy(out, c.answers[layer])
	return out
}

// AnswerIndex maps each answer of layer to its vocabulary position.
func (c *Catalog) AnswerIndex(layer int) map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	index := make(map[string]int, len(c.answers[layer]))
	for i, a := range c.answers[layer] {
		index[a] = i
	}
	return index
}

// Layers returns the registered layers in ascending order.
func (c *Catalog) Layers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]int, len(c.layers))
	copy(out, c.layers)
	return out
}
