package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/tsawler/tinyai/catalog"
	"github.com/tsawler/tinyai/tensor"
	"github.com/tsawler/tinyai/training"
	"github.com/tsawler/tinyai/vision/dataloader"
	"github.com/tsawler/tinyai/vision/preprocessing"
)

// writePNG writes a solid colored image to path.
func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
}

// createImageFolder lays out root/data/<class>/image_<i>.png.
func createImageFolder(t *testing.T, classes []string, perClass int) string {
	t.Helper()

	root := t.TempDir()
	for ci, class := range classes {
		for i := 0; i < perClass; i++ {
			path := filepath.Join(root, "data", class, fmt.Sprintf("image_%d.png", i))
			writePNG(t, path, 6+i, 4, color.RGBA{uint8(ci * 200), 0, uint8(i * 20), 255})
		}
	}
	return root
}

func countDecoder(db *catalog.Catalog, index, layer int) (*tensor.Tensor, *tensor.Tensor, error) {
	rec, ok := db.GetRecordByIndex(index, layer)
	if !ok {
		return nil, nil, ErrIndexOutOfRange
	}
	return tensor.FromScalar(float64(index)), tensor.FromScalar(float64(rec.Width)), nil
}

func TestFolderDatasetBounds(t *testing.T) {
	ctx := context.Background()
	db := catalog.New(t.TempDir(), nil)
	if err := db.Create(ctx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer db.Close()

	for i := 0; i < 3; i++ {
		rec := catalog.Record{FileName: fmt.Sprintf("f%d", i), Width: i * 10}
		if _, err := db.SaveRecord(ctx, rec); err != nil {
			t.Fatalf("SaveRecord failed: %v", err)
		}
	}

	cache := dataloader.NewCacheManager(10)
	ds := NewFolderDataset(db, countDecoder, WithCache(cache))

	if ds.Length(0) != 3 {
		t.Fatalf("Expected length 3, got %d", ds.Length(0))
	}
	if ds.Length(1) != 0 {
		t.Errorf("Expected empty layer 1, got %d", ds.Length(1))
	}

	x, y, err := ds.Get(2, 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if x.Data[0] != 2 || y.Data[0] != 20 {
		t.Errorf("Unexpected sample %v %v", x.Data, y.Data)
	}

	for _, idx := range []int{-1, 3} {
		if _, _, err := ds.Get(idx, 0); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Get(%d) expected ErrIndexOutOfRange, got %v", idx, err)
		}
	}

	// Second access is served from the cache.
	if _, _, err := ds.Get(2, 0); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stats := cache.Stats(); stats.Hits != 1 {
		t.Errorf("Expected 1 cache hit, got %s", stats)
	}

	var view training.Dataset = ds.Layer(0)
	if view.Len() != 3 {
		t.Errorf("Expected layer view length 3, got %d", view.Len())
	}
	if _, _, err := view.Get(3); err == nil {
		t.Error("Expected out of range error from layer view")
	}
}

func TestTransformDataset(t *testing.T) {
	base, err := training.NewSimpleDataset(
		[]*tensor.Tensor{tensor.MustNew([]int{2, 2}, []float32{1, 2, 3, 4})},
		[]*tensor.Tensor{tensor.FromScalar(1)},
	)
	if err != nil {
		t.Fatalf("NewSimpleDataset failed: %v", err)
	}

	double := func(x *tensor.Tensor) (*tensor.Tensor, error) {
		out := x.Clone()
		for i := range out.Data {
			out.Data[i] *= 2
		}
		return out, nil
	}

	ds := NewTransformDataset(base, Flatten, double)
	x, y, err := ds.Get(0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(x.Shape, []int{4}) {
		t.Errorf("Expected flattened shape [4], got %v", x.Shape)
	}
	if y.Data[0] != 2 {
		t.Errorf("Expected transformed target 2, got %v", y.Data[0])
	}

	identity := NewTransformDataset(base, nil, nil)
	x, _, _ = identity.Get(0)
	if !reflect.DeepEqual(x.Shape, []int{2, 2}) {
		t.Errorf("Expected identity transform, got shape %v", x.Shape)
	}
	if identity.Len() != 1 {
		t.Errorf("Expected length 1, got %d", identity.Len())
	}
}

func TestEncoders(t *testing.T) {
	enc := LabelEncoder(MakeIndex([]string{"cat", "dog"}))

	dog, err := enc("dog")
	if err != nil {
		t.Fatalf("LabelEncoder failed: %v", err)
	}
	if !reflect.DeepEqual(dog.Data, []float32{0, 1}) {
		t.Errorf("Expected [0 1], got %v", dog.Data)
	}
	unknown, _ := enc("bird")
	if !reflect.DeepEqual(unknown.Data, []float32{0, 0}) {
		t.Errorf("Expected zeros for unknown label, got %v", unknown.Data)
	}

	oneHot := OneHot(3)
	v, err := oneHot(2)
	if err != nil || !reflect.DeepEqual(v.Data, []float32{0, 0, 1}) {
		t.Errorf("Unexpected one-hot %v (err %v)", v, err)
	}
	if _, err := oneHot(3); err == nil {
		t.Error("Expected error for class out of range")
	}

	words := DictionaryEncoder(map[string]int{"hello": 3, "world": 5}, 4)
	w := words([]string{"hello", "there", "world", "a", "b"})
	if !reflect.DeepEqual(w.Data, []float32{3, 0, 5, 0}) {
		t.Errorf("Unexpected dictionary encoding %v", w.Data)
	}
}

func TestNaturalLess(t *testing.T) {
	names := []string{"img10.png", "img2.png", "Img1.png", "img02.png", "b", "a"}
	sort.Slice(names, func(i, j int) bool { return naturalLess(names[i], names[j]) })

	expected := []string{"a", "b", "Img1.png", "img2.png", "img02.png", "img10.png"}
	if !reflect.DeepEqual(names, expected) {
		t.Errorf("Expected %v, got %v", expected, names)
	}
}

func TestInitFolderDatabase(t *testing.T) {
	ctx := context.Background()
	root := createImageFolder(t, []string{"dog", "cat"}, 3)

	summary, err := InitFolderDatabase(ctx, KindAnswerImages, root, 0, nil)
	if err != nil {
		t.Fatalf("InitFolderDatabase failed: %v", err)
	}
	if summary.Records != 6 || summary.NumClasses() != 2 {
		t.Fatalf("Unexpected summary %s", summary)
	}
	if !reflect.DeepEqual(summary.ClassNames, []string{"cat", "dog"}) {
		t.Errorf("Expected classes in natural order, got %v", summary.ClassNames)
	}

	db := catalog.New(root, nil)
	if err := db.Open(ctx, true); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if !reflect.DeepEqual(db.Answers(0), []string{"cat", "dog"}) {
		t.Errorf("Unexpected vocabulary %v", db.Answers(0))
	}
	rec, ok := db.GetRecordByIndex(1, 0)
	if !ok {
		t.Fatal("Expected record at index 1")
	}
	if rec.FileName != "cat/image_1.png" || rec.Width != 7 || rec.Height != 4 || rec.Type != catalog.TypeImage {
		t.Errorf("Unexpected record %+v", rec)
	}

	ds := NewFolderDataset(db, ImageClassDecoder(preprocessing.NewImageProcessor(4), LabelEncoder(db.AnswerIndex(0))))
	x, y, err := ds.Get(4, 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(x.Shape, []int{3, 4, 4}) {
		t.Errorf("Expected CHW shape [3 4 4], got %v", x.Shape)
	}
	if !reflect.DeepEqual(y.Data, []float32{0, 1}) {
		t.Errorf("Expected dog label [0 1], got %v", y.Data)
	}

	if _, err := InitFolderDatabase(ctx, "text/lines", root, 0, nil); err == nil {
		t.Error("Expected error for unsupported kind")
	}
}

func TestConvertFolderDatabaseTrainTest(t *testing.T) {
	ctx := context.Background()
	src := createImageFolder(t, []string{"cat", "dog"}, 5)

	if _, err := InitFolderDatabase(ctx, KindAnswerImages, src, 0, nil); err != nil {
		t.Fatalf("InitFolderDatabase failed: %v", err)
	}

	dest := t.TempDir()
	summary, err := ConvertFolderDatabase(ctx, src, dest, ConvertOptions{
		Split:   SplitTrainTest,
		TrainK:  0.95,
		Seed:    42,
		Convert: CopyRecordConverter(1, 2),
	})
	if err != nil {
		t.Fatalf("ConvertFolderDatabase failed: %v", err)
	}
	if summary.Total != 10 || summary.Kinds[KindTrain]+summary.Kinds[KindTest] != 10 {
		t.Fatalf("Unexpected summary %+v", summary)
	}

	db := catalog.New(dest, nil)
	if err := db.Open(ctx, false); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	for _, layer := range []int{1, 2} {
		if err := db.ReadLayer(ctx, layer); err != nil {
			t.Fatalf("ReadLayer(%d) failed: %v", layer, err)
		}
	}

	if db.LayerCount(1) != summary.Kinds[KindTrain] || db.LayerCount(2) != summary.Kinds[KindTest] {
		t.Errorf("Layer counts %d/%d do not match summary %+v", db.LayerCount(1), db.LayerCount(2), summary.Kinds)
	}

	seen := make(map[string]int)
	for _, layer := range []int{1, 2} {
		for i := 0; i < db.LayerCount(layer); i++ {
			rec, _ := db.GetRecordByIndex(i, layer)
			seen[rec.FileIndex]++
			if _, err := os.Stat(db.FilePath(rec.FileName)); err != nil {
				t.Errorf("Missing copied file for %s: %v", rec.FileIndex, err)
			}
		}
	}

	if len(seen) != 10 {
		t.Errorf("Expected 10 distinct source records, got %d", len(seen))
	}
	for name, n := range seen {
		if n != 1 {
			t.Errorf("Record %s appears %d times", name, n)
		}
	}
}

func TestImageTensorConverter(t *testing.T) {
	ctx := context.Background()
	src := createImageFolder(t, []string{"a", "b"}, 2)
	if _, err := InitFolderDatabase(ctx, KindAnswerImages, src, 0, nil); err != nil {
		t.Fatalf("InitFolderDatabase failed: %v", err)
	}

	dest := t.TempDir()
	_, err := ConvertFolderDatabase(ctx, src, dest, ConvertOptions{
		Convert: ImageTensorConverter(preprocessing.NewImageProcessor(2), 0, 0),
	})
	if err != nil {
		t.Fatalf("ConvertFolderDatabase failed: %v", err)
	}

	db := catalog.New(dest, nil)
	if err := db.Open(ctx, true); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	ds := NewFolderDataset(db, TensorDecoder(LabelEncoder(db.AnswerIndex(0))))
	if ds.Length(0) != 4 {
		t.Fatalf("Expected 4 records, got %d", ds.Length(0))
	}
	x, y, err := ds.Get(3, 0)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !reflect.DeepEqual(x.Shape, []int{3, 2, 2}) || !reflect.DeepEqual(y.Data, []float32{0, 1}) {
		t.Errorf("Unexpected sample shape %v label %v", x.Shape, y.Data)
	}

	rec, _ := db.GetRecordByIndex(0, 0)
	if rec.FileName != "0/00/0-0.data" || rec.Type != catalog.TypeTensor {
		t.Errorf("Unexpected converted record %+v", rec)
	}
}
