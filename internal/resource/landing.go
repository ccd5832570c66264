package resource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	logx "taxiflow/pkg/logx"
)

// Landed describes a file written by a Lander.
type Landed struct {
	Path     string
	Bytes    int64
	Mirrored string // s3:// URI, empty when not mirrored
}

// Mirror copies landed files somewhere outside the host.
type Mirror interface {
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// Lander writes files into a directory. A file is written to a temp
// name and renamed into place, so readers never see a partial download.
type Lander struct {
	dir    string
	mirror Mirror
	log    logx.Logger
}

func NewLander(dir string, mirror Mirror, log logx.Logger) *Lander {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lander{dir: dir, mirror: mirror, log: log.With(logx.Comp("landing"))}
}

// Path returns where name lands.
func (l *Lander) Path(name string) string { return filepath.Join(l.dir, name) }

// Write streams r into dir/name.
func (l *Lander) Write(ctx context.Context, name string, r io.Reader) (Landed, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Landed{}, fmt.Errorf("land %q: invalid file name", name)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return Landed{}, fmt.Errorf("land %s: %w", name, err)
	}
	dst := l.Path(name)
	n, err := writeAtomic(ctx, dst, r)
	if err != nil {
		return Landed{}, fmt.Errorf("land %s: %w", name, err)
	}
	out := Landed{Path: dst, Bytes: n}
	l.log.Info("file landed", logx.String("path", dst), logx.Int64("bytes", n))

	if l.mirror == nil {
		return out, nil
	}
	f, err := os.Open(dst)
	if err != nil {
		return out, fmt.Errorf("mirror %s: %w", name, err)
	}
	defer f.Close()
	uri, err := l.mirror.Put(ctx, name, f)
	if err != nil {
		return out, fmt.Errorf("mirror %s: %w", name, err)
	}
	out.Mirrored = uri
	return out, nil
}

func writeAtomic(ctx context.Context, dst string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return 0, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if err != nil {
		return n, err
	}
	if err := tmp.Sync(); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, err
	}
	ok = true
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	Timeout  time.Duration
}

// S3Mirror uploads raw files to an S3 bucket (or an S3 compatible endpoint).
type S3Mirror struct {
	up  *s3manager.Uploader
	cfg S3Config
}

func NewS3Mirror(cfg S3Config) (*S3Mirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 mirror: bucket is required")
	}
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("s3 mirror: new session: %w", err)
	}
	return &S3Mirror{up: s3manager.NewUploader(sess), cfg: cfg}, nil
}

func (m *S3Mirror) Key(name string) string {
	return path.Join(strings.Trim(m.cfg.Prefix, "/"), name)
}

func (m *S3Mirror) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}
	key := m.Key(name)
	_, err := m.up.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", err
	}
	return "s3://" + m.cfg.Bucket + "/" + key, nil
}
