package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"

	"github.com/janelia-flyem/pyramid/progress"
	"github.com/janelia-flyem/pyramid/pyramid"
)

// Compression is the framing applied to a task manifest.
type Compression string

const (
	NoCompression Compression = "none"
	Gzip          Compression = "gzip"
	Snappy        Compression = "snappy"
)

// ParseCompression returns the Compression for a setting, with the empty string
// meaning no compression.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", NoCompression:
		return NoCompression, nil
	case Gzip, Snappy:
		return Compression(s), nil
	default:
		return "", fmt.Errorf("unknown manifest compression %q, must be gzip, snappy, or none", s)
	}
}

// Ext returns the filename extension for a manifest with this compression.
func (c Compression) Ext() string {
	switch c {
	case Gzip:
		return ".jsonl.gz"
	case Snappy:
		return ".jsonl.sz"
	default:
		return ".jsonl"
	}
}

// WriteManifest writes the tasks as JSON lines, one task per line.
func WriteManifest(w io.Writer, tasks []Task, c Compression) error {
	var out io.WriteCloser
	switch c {
	case "", NoCompression:
		out = nopCloser{w}
	case Gzip:
		out = gzip.NewWriter(w)
	case Snappy:
		out = snappy.NewBufferedWriter(w)
	default:
		return fmt.Errorf("unknown manifest compression %q", c)
	}
	enc := json.NewEncoder(out)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			out.Close()
			return fmt.Errorf("unable to encode task %s: %v", t.Name(), err)
		}
	}
	return out.Close()
}

// ReadManifest reads tasks written by WriteManifest.
func ReadManifest(r io.Reader, c Compression) ([]Task, error) {
	var in io.Reader
	switch c {
	case "", NoCompression:
		in = r
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("unable to read gzip manifest: %v", err)
		}
		defer zr.Close()
		in = zr
	case Snappy:
		in = snappy.NewReader(r)
	default:
		return nil, fmt.Errorf("unknown manifest compression %q", c)
	}
	var tasks []Task
	dec := json.NewDecoder(in)
	for {
		var t Task
		err := dec.Decode(&t)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bad task %d in manifest: %v", len(tasks), err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// PutManifest stores the tasks in a bucket under the given key.
func PutManifest(ctx context.Context, bucket *blob.Bucket, key string, tasks []Task, c Compression) error {
	var buf bytes.Buffer
	if err := WriteManifest(&buf, tasks, c); err != nil {
		return err
	}
	if err := bucket.WriteAll(ctx, key, buf.Bytes(), nil); err != nil {
		return fmt.Errorf("unable to write manifest %q: %v", key, err)
	}
	return nil
}

// GetManifest reads tasks stored by PutManifest.
func GetManifest(ctx context.Context, bucket *blob.Bucket, key string, c Compression) ([]Task, error) {
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to open manifest %q: %v", key, err)
	}
	defer r.Close()
	return ReadManifest(r, c)
}

// SaveManifest opens the bucket at the URL and stores the tasks as name plus the
// compression's extension.  It returns the key written.
func SaveManifest(ctx context.Context, ref, name string, tasks []Task, c Compression) (string, error) {
	bucket, err := progress.OpenBucket(ctx, ref)
	if err != nil {
		return "", err
	}
	defer bucket.Close()
	key := name + c.Ext()
	if err := PutManifest(ctx, bucket, key, tasks, c); err != nil {
		return "", err
	}
	pyramid.Infof("Wrote %d tasks to %s/%s\n", len(tasks), ref, key)
	return key, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
