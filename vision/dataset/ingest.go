package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tsawler/tinyai/catalog"
	"github.com/tsawler/tinyai/vision/preprocessing"
)

// KindAnswerImages is a layout of <path>/data/<answer>/<image files>.
const KindAnswerImages = "answer/images"

// DefaultExtensions are the image files picked up by InitFolderDatabase.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// FolderSummary describes an ingested folder.
type FolderSummary struct {
	ClassNames   []string
	Distribution map[string]int
	Records      int
}

// NumClasses returns the number of classes
func (s *FolderSummary) NumClasses() int {
	return len(s.ClassNames)
}

// String returns a string representation of the summary
func (s *FolderSummary) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Folder database: %d records, %d classes\n", s.Records, len(s.ClassNames)))
	sb.WriteString("Class distribution:\n")

	for _, className := range s.ClassNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, s.Distribution[className]))
	}

	return sb.String()
}

// InitFolderDatabase creates a fresh catalog at path and indexes the content
// already present under path/data. Records reference the files in place.
func InitFolderDatabase(ctx context.Context, kind, path string, layer int, logger *zap.Logger) (*FolderSummary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if kind != KindAnswerImages {
		return nil, fmt.Errorf("unsupported folder kind %q", kind)
	}

	db := catalog.New(path, logger)
	if err := db.Create(ctx); err != nil {
		return nil, err
	}
	defer db.Close()

	summary := &FolderSummary{Distribution: make(map[string]int)}

	classes, err := listDirs(db.DataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to list classes: %w", err)
	}

	for pos, className := range classes {
		files, err := listFiles(filepath.Join(db.DataPath(), className), DefaultExtensions)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", className, err)
		}

		logger.Info("Indexing class",
			zap.Int("position", pos+1),
			zap.String("answer", className),
			zap.Int("files", len(files)))

		db.SaveAnswer(ctx, layer, className)
		summary.ClassNames = append(summary.ClassNames, className)

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return summary, err
			}

			name := className + "/" + file
			width, height, err := preprocessing.DecodeConfig(db.FilePath(name))
			if err != nil {
				return summary, err
			}

			inserted, err := db.SaveRecord(ctx, catalog.Record{
				Layer:     layer,
				Type:      catalog.TypeImage,
				FileName:  name,
				FileIndex: name,
				Answer:    className,
				Width:     width,
				Height:    height,
			})
			if err != nil {
				return summary, err
			}
			if inserted {
				summary.Distribution[className]++
				summary.Records++
			}
		}

		if err := db.Flush(ctx); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// listDirs returns the subdirectory names of root in natural order.
func listDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return naturalLess(dirs[i], dirs[j]) })
	return dirs, nil
}

// listFiles returns files below root with one of extensions, as slash
// separated paths relative to root, in natural order.
func listFiles(root string, extensions []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !hasExtension(path, extensions) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return naturalLess(files[i], files[j]) })
	return files, nil
}

func hasExtension(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// naturalLess orders strings with embedded numbers by numeric value, so
// "img2" sorts before "img10".
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ca, cb := a[0], b[0]
		if isDigit(ca) && isDigit(cb) {
			na, restA := leadingDigits(a)
			nb, restB := leadingDigits(b)
			ta, tb := strings.TrimLeft(na, "0"), strings.TrimLeft(nb, "0")
			if len(ta) != len(tb) {
				return len(ta) < len(tb)
			}
			if ta != tb {
				return ta < tb
			}
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			a, b = restA, restB
			continue
		}
		la, lb := lower(ca), lower(cb)
		if la != lb {
			return la < lb
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingDigits(s string) (string, string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
