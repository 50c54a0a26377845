package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // GCS driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/withObsrvr/thump-stream/internal/alert"
)

// ErrInvalidPattern is returned for archive patterns that cannot match
// parquet files.
var ErrInvalidPattern = errors.New("archive pattern must end with .parquet")

// ArchiveRow is one alert as stored by the broker's data transfer service.
// Only the columns used downstream are read.
type ArchiveRow struct {
	DiaSource        ArchiveSource `parquet:"diaSource"`
	DiaObject        ArchiveObject `parquet:"diaObject"`
	CutoutScience    []byte        `parquet:"cutoutScience"`
	CutoutTemplate   []byte        `parquet:"cutoutTemplate"`
	CutoutDifference []byte        `parquet:"cutoutDifference"`
}

// ArchiveSource is the diaSource struct column.
type ArchiveSource struct {
	DiaSourceID    int64   `parquet:"diaSourceId"`
	MidpointMjdTai float64 `parquet:"midpointMjdTai"`
}

// ArchiveObject is the diaObject struct column.
type ArchiveObject struct {
	DiaObjectID int64   `parquet:"diaObjectId"`
	RA          float64 `parquet:"ra"`
	Dec         float64 `parquet:"dec"`
}

// RawAlert converts the row. A zero id is treated as absent.
func (r ArchiveRow) RawAlert() alert.RawAlert {
	return alert.RawAlert{
		Science:    r.CutoutScience,
		Template:   r.CutoutTemplate,
		Difference: r.CutoutDifference,
		Object: &alert.ObjectRecord{
			ObjectID: formatID(r.DiaObject.DiaObjectID),
			RA:       alert.Value(r.DiaObject.RA),
			Dec:      alert.Value(r.DiaObject.Dec),
		},
		Source: &alert.SourceRecord{
			SourceID:        formatID(r.DiaSource.DiaSourceID),
			ObservationTime: alert.Value(r.DiaSource.MidpointMjdTai),
		},
	}
}

// ArchiveRowFrom is the inverse of RawAlert, used to build archives.
func ArchiveRowFrom(a alert.RawAlert) (ArchiveRow, error) {
	row := ArchiveRow{
		CutoutScience:    a.Science,
		CutoutTemplate:   a.Template,
		CutoutDifference: a.Difference,
	}
	if a.Source != nil {
		id, err := parseID(a.Source.SourceID)
		if err != nil {
			return row, fmt.Errorf("diaSourceId: %w", err)
		}
		row.DiaSource = ArchiveSource{DiaSourceID: id, MidpointMjdTai: a.Source.ObservationTime.Float()}
	}
	if a.Object != nil {
		id, err := parseID(a.Object.ObjectID)
		if err != nil {
			return row, fmt.Errorf("diaObjectId: %w", err)
		}
		row.DiaObject = ArchiveObject{DiaObjectID: id, RA: a.Object.RA.Float(), Dec: a.Object.Dec.Float()}
	}
	return row, nil
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func parseID(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// ListArchives expands pattern into a sorted list of archive locations.
// Patterns with a scheme (gs://, s3://, file://) are matched against bucket
// keys; anything else is a filesystem glob.
func ListArchives(ctx context.Context, pattern string) ([]string, error) {
	if !strings.HasSuffix(pattern, ".parquet") {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, pattern)
	}

	if !strings.Contains(pattern, "://") {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		sort.Strings(matches)
		return matches, nil
	}

	bucketURL, keyPattern, err := splitBucketURL(pattern)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	// List everything up to the first wildcard.
	prefix := keyPattern
	if i := strings.IndexAny(prefix, "*?["); i >= 0 {
		prefix = prefix[:i]
	}

	var locations []string
	iter := bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		if ok, _ := path.Match(keyPattern, obj.Key); ok {
			locations = append(locations, joinBucketURL(bucketURL, obj.Key))
		}
	}
	sort.Strings(locations)
	return locations, nil
}

// ReadArchive loads every alert of one archive.
func ReadArchive(ctx context.Context, location string) ([]alert.RawAlert, error) {
	var rows []ArchiveRow
	var err error

	if strings.Contains(location, "://") {
		rows, err = readBucketArchive(ctx, location)
	} else {
		rows, err = parquet.ReadFile[ArchiveRow](location)
	}
	if err != nil {
		return nil, fmt.Errorf("read archive %s: %w", location, err)
	}

	alerts := make([]alert.RawAlert, len(rows))
	for i, r := range rows {
		alerts[i] = r.RawAlert()
	}
	return alerts, nil
}

// WriteArchive stores alerts as a parquet archive on the local filesystem.
func WriteArchive(location string, alerts []alert.RawAlert) error {
	rows := make([]ArchiveRow, len(alerts))
	for i, a := range alerts {
		row, err := ArchiveRowFrom(a)
		if err != nil {
			return fmt.Errorf("alert %d: %w", i, err)
		}
		rows[i] = row
	}
	if err := parquet.WriteFile(location, rows); err != nil {
		return fmt.Errorf("write archive %s: %w", location, err)
	}
	return nil
}

func readBucketArchive(ctx context.Context, location string) ([]ArchiveRow, error) {
	bucketURL, key, err := splitBucketURL(location)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	return parquet.Read[ArchiveRow](bytes.NewReader(data), int64(len(data)))
}

// splitBucketURL separates "gs://bucket/dir/key?opts" into the bucket URL
// "gs://bucket?opts" and the key "dir/key".
func splitBucketURL(location string) (string, string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("parse %s: %w", location, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	u.Path = ""
	if u.Scheme == "file" {
		u.Path = "/"
	}
	return u.String(), key, nil
}

func joinBucketURL(bucketURL, key string) string {
	base, query, _ := strings.Cut(bucketURL, "?")
	loc := strings.TrimSuffix(base, "/") + "/" + key
	if query != "" {
		loc += "?" + query
	}
	return loc
}
