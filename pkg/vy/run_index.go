package vy

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/keydef"
	"github.com/vinylcore/vinyl/pkg/xlog"
)

// nextIndexRow advances the cursor to the next transaction and returns its
// one row: writeRunIndex always writes exactly one row per transaction.
func nextIndexRow(cur *xlog.Cursor) (xlog.Row, error) {
	if err := cur.NextTx(); err != nil {
		return xlog.Row{}, err
	}
	return cur.NextRow()
}

// parseRunFileName parses the "<lsn>.<range-id>.<run-id>.<ext>" filename
// WriteRun's xlog.RunFileName builds (spec §6), used to recover a run's
// identity from its path without opening it.
func parseRunFileName(name string) (lsn, rangeID, runID uint64, ext string, ok bool) {
	parts := strings.Split(name, ".")
	if len(parts) != 4 {
		return 0, 0, 0, "", false
	}
	l, err1 := strconv.ParseUint(parts[0], 16, 64)
	r, err2 := strconv.ParseUint(parts[1], 16, 64)
	n, err3 := strconv.ParseUint(parts[2], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, "", false
	}
	return l, r, n, parts[3], true
}

// LoadRunIndex reconstructs a *Run from its companion .index file, without
// reading the (possibly large) .run data file itself: the index carries
// every page's offset/size/count/min-key plus the run's own min/max
// lsn/key, all ReadPage/iterator construction needs.
func LoadRunIndex(indexPath, dataPath string, kd *keydef.KeyDef) (*Run, error) {
	cur, err := xlog.Open(indexPath)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	infoRow, err := nextIndexRow(cur)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeWalIO, "read run-info row of %s", indexPath)
	}
	runID := uint64(infoRow.IndexID)
	rangeID := uint64(infoRow.SpaceID)
	var minLSN, maxLSN uint64
	var pageCount int
	if infoRow.Tuple != nil {
		if v, ok := infoRow.Tuple.Field(1); ok {
			minLSN = uint64(asInt64(v))
		}
		if v, ok := infoRow.Tuple.Field(2); ok {
			maxLSN = uint64(asInt64(v))
		}
		if v, ok := infoRow.Tuple.Field(3); ok {
			pageCount = int(asInt64(v))
		}
	}

	maxRow, err := nextIndexRow(cur)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeWalIO, "read run max-key row of %s", indexPath)
	}

	pages := make([]PageInfo, 0, pageCount)
	for {
		row, err := nextIndexRow(cur)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeWalIO, "read page row of %s", indexPath)
		}
		var offset, size int64
		var count int
		if row.Tuple != nil {
			if v, ok := row.Tuple.Field(0); ok {
				offset = asInt64(v)
			}
			if v, ok := row.Tuple.Field(1); ok {
				size = asInt64(v)
			}
			if v, ok := row.Tuple.Field(2); ok {
				count = int(asInt64(v))
			}
		}
		pages = append(pages, PageInfo{Offset: offset, Size: size, Count: count, MinKey: row.Key})
	}

	return &Run{
		ID:        runID,
		RangeID:   rangeID,
		MinLSN:    minLSN,
		MaxLSN:    maxLSN,
		MinKey:    infoRow.Key,
		MaxKey:    maxRow.Key,
		Pages:     pages,
		DataPath:  dataPath,
		IndexPath: indexPath,
		kd:        kd,
		refs:      1,
	}, nil
}

// DiscoverRuns scans dir for "<lsn>.<range-id>.<run-id>.index" files and
// loads each into a *Run, sorted by (range_id desc, run_id asc) per spec
// §4.8: "so newer range images supersede older ones" when Recovery later
// folds them through SelectRanges.
func DiscoverRuns(dir string, kd *keydef.KeyDef) ([]*Run, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeWalIO, "scan run directory %s", dir)
	}

	var runs []*Run
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, _, _, ext, ok := parseRunFileName(e.Name())
		if !ok || ext != "index" {
			continue
		}
		indexPath := filepath.Join(dir, e.Name())
		dataName := filepath.Base(indexPath)
		dataName = strings.TrimSuffix(dataName, ".index") + ".run"
		dataPath := filepath.Join(dir, dataName)

		run, err := LoadRunIndex(indexPath, dataPath, kd)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].RangeID != runs[j].RangeID {
			return runs[i].RangeID > runs[j].RangeID
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
