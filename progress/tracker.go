/*
	Package progress keeps resumable markers for units of work in a blob bucket.  A marker
	is an object whose key names the finished unit, e.g., a task name or a z slice index,
	so a restarted pipeline can skip what is already done.
*/
package progress

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/janelia-flyem/pyramid/pyramid"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// Tracker records finished units of work as marker objects under a key prefix.
type Tracker struct {
	bucket *blob.Bucket
	ref    string
}

// OpenBucket returns a blob.Bucket for the given reference, which should be of the form:
//
//	file:///path/to/dir
//	mem://
//	gs://<bucketname>
//
// A file:// directory is created if it does not exist.  Google Storage buckets use
// the default application credentials, and any path in a gs:// reference becomes a
// key prefix within the bucket.
func OpenBucket(ctx context.Context, ref string) (*blob.Bucket, error) {
	u, err := parseBucketURL(ref)
	if err != nil {
		return nil, err
	}
	var bucket *blob.Bucket
	switch u.Scheme {
	case "file":
		if err := os.MkdirAll(u.Path, 0755); err != nil {
			return nil, fmt.Errorf("unable to create bucket directory %q: %v", u.Path, err)
		}
		bucket, err = fileblob.OpenBucket(u.Path, nil)
	case "gs":
		bucket, err = blob.OpenBucket(ctx, "gs://"+u.Host)
		if pathpart := strings.Trim(u.Path, "/"); err == nil && pathpart != "" {
			bucket = blob.PrefixedBucket(bucket, pathpart+"/")
		}
	default:
		bucket, err = blob.OpenBucket(ctx, ref)
	}
	if err != nil {
		pyramid.Errorf("Can't open bucket reference @ %q: %v\n", ref, err)
		return nil, err
	}
	return bucket, nil
}

// parseBucketURL parses a bucket reference and checks its scheme is supported.
func parseBucketURL(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("bad bucket URL %q: %v", ref, err)
	}
	switch u.Scheme {
	case "file", "mem":
	case "gs":
		if u.Host == "" {
			return nil, fmt.Errorf("bucket URL %q must name a bucket, e.g., gs://<bucketname>", ref)
		}
	default:
		return nil, fmt.Errorf("bucket URL %q must use file://, mem://, or gs://", ref)
	}
	return u, nil
}

// Open returns a Tracker for markers under the prefix of the bucket at the given URL.
func Open(ctx context.Context, ref, prefix string) (*Tracker, error) {
	bucket, err := OpenBucket(ctx, ref)
	if err != nil {
		return nil, err
	}
	return New(bucket, prefix, ref), nil
}

// New returns a Tracker over an already opened bucket.  The Tracker takes ownership
// of the bucket and closes it on Close.
func New(bucket *blob.Bucket, prefix, ref string) *Tracker {
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return &Tracker{bucket: bucket, ref: ref + prefix}
}

func (t *Tracker) String() string {
	return fmt.Sprintf("progress markers @ %s", t.ref)
}

// Close releases the underlying bucket.
func (t *Tracker) Close() error {
	return t.bucket.Close()
}

// Done returns true if a marker exists for the key.
func (t *Tracker) Done(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("progress key cannot be empty")
	}
	found, err := t.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking marker %q in %s: %v", key, t, err)
	}
	return found, nil
}

// MarkDone writes a marker for the key holding the completion time.
func (t *Tracker) MarkDone(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("progress key cannot be empty")
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	if err := t.bucket.WriteAll(ctx, key, []byte(stamp), nil); err != nil {
		return fmt.Errorf("writing marker %q in %s: %v", key, t, err)
	}
	return nil
}

// MarkedAt returns the completion time recorded in a marker.  A zero time and nil
// error is returned if the key has no marker.
func (t *Tracker) MarkedAt(ctx context.Context, key string) (time.Time, error) {
	data, err := t.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, string(data))
}

// Completed returns the set of keys with markers.
func (t *Tracker) Completed(ctx context.Context) (map[string]bool, error) {
	done := make(map[string]bool)
	iter := t.bucket.List(nil)
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing markers in %s: %v", t, err)
		}
		if obj.IsDir {
			continue
		}
		done[obj.Key] = true
	}
	return done, nil
}

// RemainingSlices returns the sorted z indices in [zmin, zmax) that have no marker.
// Slice markers are keyed by the decimal z index.
func (t *Tracker) RemainingSlices(ctx context.Context, zmin, zmax int) ([]int, error) {
	if zmax < zmin {
		return nil, fmt.Errorf("bad slice range [%d, %d)", zmin, zmax)
	}
	done, err := t.Completed(ctx)
	if err != nil {
		return nil, err
	}
	finished := make(map[int]bool, len(done))
	for key := range done {
		z, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		finished[z] = true
	}
	remaining := make([]int, 0, zmax-zmin)
	for z := zmin; z < zmax; z++ {
		if !finished[z] {
			remaining = append(remaining, z)
		}
	}
	return remaining, nil
}

// SliceKey returns the marker key for a z slice.
func SliceKey(z int) string {
	return strconv.Itoa(z)
}
