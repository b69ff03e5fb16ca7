package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

var _ Provider = (*S3Provider)(nil)

// User metadata written on upload so a later GET or sync comparison sees
// the source file's attributes rather than the upload's.
const (
	mtimeMetadataKey = "conveyor-mtime"
	modeMetadataKey  = "conveyor-mode"
	headConcurrency  = 16
)

// objectInfo describes an object, or a key prefix standing in for a
// collection.
type objectInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
}

func (o *objectInfo) Name() string       { return o.name }
func (o *objectInfo) Size() int64        { return o.size }
func (o *objectInfo) IsDir() bool        { return o.isDir }
func (o *objectInfo) ModTime() time.Time { return o.modTime }

func (o *objectInfo) Mode() os.FileMode {
	if o.isDir {
		return os.ModeDir | 0o755
	}
	if o.mode == 0 {
		return DefaultFileMode
	}
	return o.mode
}

// fromMetadata overrides the upload attributes with those recorded from
// the source file, when present and well formed.
func (o *objectInfo) fromMetadata(meta map[string]string, lastModified *time.Time) {
	o.modTime = preservedModTime(meta, lastModified)
	if v, ok := meta[modeMetadataKey]; ok {
		if m, err := strconv.ParseUint(v, 8, 32); err == nil {
			o.mode = os.FileMode(m).Perm()
		}
	}
}

func preservedModTime(meta map[string]string, lastModified *time.Time) time.Time {
	if v, ok := meta[mtimeMetadataKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return aws.ToTime(lastModified)
}

func objectMetadata(info FileInfo) map[string]string {
	if info == nil {
		return nil
	}
	meta := map[string]string{modeMetadataKey: strconv.FormatUint(uint64(ModeOf(info).Perm()), 8)}
	if !info.ModTime().IsZero() {
		meta[mtimeMetadataKey] = info.ModTime().UTC().Format(time.RFC3339Nano)
	}
	return meta
}

// S3Provider exposes one bucket of an S3-compatible grid zone as a Provider.
// Collections are key prefixes; a zero-byte key ending in '/' marks an
// empty one.
type S3Provider struct {
	client   *s3.Client
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3ProviderFromClient creates a provider over bucket using an already
// authenticated client. Keys are placed under prefix. partSize below the
// S3 minimum keeps the uploader default.
func NewS3ProviderFromClient(client *s3.Client, bucket, prefix string, partSize int64) *S3Provider {
	return &S3Provider{
		client: client,
		bucket: bucket,
		prefix: prefix,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			if partSize >= manager.MinUploadPartSize {
				u.PartSize = partSize
			}
		}),
	}
}

// key maps a grid path to its object key.
func (p *S3Provider) key(name string) string {
	return strings.TrimPrefix(path.Join(p.prefix, strings.TrimPrefix(name, "/")), "/")
}

// dirKey is the prefix under which the children of name live.
func (p *S3Provider) dirKey(name string) string {
	k := p.key(name)
	if k == "" || k == "." {
		return ""
	}
	return k + "/"
}

// isNotFound reports whether err is S3's way of saying the key is absent.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf) || isStatus(err, 404)
}

func (p *S3Provider) Stat(ctx context.Context, name string) (FileInfo, error) {
	k := p.key(name)
	if k != "" {
		out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(k)})
		if err == nil {
			info := &objectInfo{name: path.Base(k), size: aws.ToInt64(out.ContentLength)}
			info.fromMetadata(out.Metadata, out.LastModified)
			return info, nil
		}
		if !isNotFound(err) {
			return nil, fmt.Errorf("stat %q: %w", name, err)
		}
	}

	out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.dirKey(name)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("stat %q: %w", name, err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 && k != "" {
		return nil, fmt.Errorf("%w: %s", fs.ErrNotExist, name)
	}
	return &objectInfo{name: path.Base(k), isDir: true}, nil
}

// List returns the direct children of name. Listing carries no user
// metadata, so every object is headed to recover its source attributes.
func (p *S3Provider) List(ctx context.Context, name string) ([]FileInfo, error) {
	prefix := p.dirKey(name)
	pages := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var dirs, files []*objectInfo
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %q: %w", name, err)
		}
		for _, cp := range page.CommonPrefixes {
			child := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			dirs = append(dirs, &objectInfo{name: child, isDir: true})
		}
		for _, obj := range page.Contents {
			child := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if child == "" || strings.HasSuffix(child, "/") {
				// the collection marker itself
				continue
			}
			files = append(files, &objectInfo{name: child, size: aws.ToInt64(obj.Size), modTime: aws.ToTime(obj.LastModified)})
		}
	}

	if err := p.headAll(ctx, prefix, files); err != nil {
		return nil, err
	}
	infos := make([]FileInfo, 0, len(dirs)+len(files))
	for _, d := range dirs {
		infos = append(infos, d)
	}
	for _, f := range files {
		infos = append(infos, f)
	}
	return infos, nil
}

func (p *S3Provider) headAll(ctx context.Context, prefix string, files []*objectInfo) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)
	for _, f := range files {
		g.Go(func() error {
			out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(p.bucket),
				Key:    aws.String(prefix + f.name),
			})
			if err != nil {
				return fmt.Errorf("head %q: %w", prefix+f.name, err)
			}
			f.fromMetadata(out.Metadata, out.LastModified)
			return nil
		})
	}
	return g.Wait()
}

func (p *S3Provider) OpenRead(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(p.key(name))})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s: %v", fs.ErrNotExist, name, err)
		}
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	return out.Body, nil
}

// OpenWrite streams an upload through the multipart uploader. The object
// appears only when Close succeeds; Abort drops it.
func (p *S3Provider) OpenWrite(ctx context.Context, name string, metadata FileInfo) (io.WriteCloser, error) {
	if metadata != nil && metadata.IsDir() {
		_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.dirKey(name)),
			Body:   strings.NewReader(""),
		})
		if err != nil {
			return nil, fmt.Errorf("create collection %q: %w", name, err)
		}
		return discardWriter{}, nil
	}

	pr, pw := io.Pipe()
	input := &s3.PutObjectInput{
		Bucket:   aws.String(p.bucket),
		Key:      aws.String(p.key(name)),
		Body:     pr,
		Metadata: objectMetadata(metadata),
	}
	w := &uploadWriter{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := p.uploader.Upload(ctx, input)
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

// uploadWriter feeds a background multipart upload.
type uploadWriter struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *uploadWriter) Write(b []byte) (int, error) {
	return w.pw.Write(b)
}

func (w *uploadWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err := <-w.done; err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

// Abort fails the upload; the uploader then aborts the multipart upload
// and no object is created.
func (w *uploadWriter) Abort(cause error) error {
	if cause == nil {
		cause = errors.New("upload aborted")
	}
	w.pw.CloseWithError(cause)
	<-w.done
	return nil
}
