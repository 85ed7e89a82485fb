package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3API is the slice of the S3 client the fetcher needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher resolves http(s)://, s3:// and local file sources and serves
// byte-range reads against them. Handles are request-scoped; the zero
// of maxBody disables the body cap.
type Fetcher struct {
	http    *http.Client
	log     zerolog.Logger
	maxBody int64

	s3Once sync.Once
	s3Err  error
	s3     S3API
}

type Option func(*Fetcher)

// WithS3Client injects an S3 client, mainly for tests.
func WithS3Client(api S3API) Option {
	return func(f *Fetcher) {
		f.s3 = api
		f.s3Once.Do(func() {})
	}
}

func WithMaxBody(n int64) Option {
	return func(f *Fetcher) { f.maxBody = n }
}

func New(hc *http.Client, log zerolog.Logger, opts ...Option) *Fetcher {
	if hc == nil {
		hc = NewOutbound()
	}
	f := &Fetcher{
		http:    hc,
		log:     log.With().Str("component", "fetch").Logger(),
		maxBody: 256 << 20,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Get reads the whole object behind src.
func (f *Fetcher) Get(ctx context.Context, src string) ([]byte, error) {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return f.getHTTP(ctx, src, -1, -1)
	case strings.HasPrefix(src, "s3://"):
		return f.getS3(ctx, src, -1, -1)
	default:
		b, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", src, err)
		}
		return b, nil
	}
}

// ReadRange reads length bytes starting at off. A server returning fewer
// bytes than asked (range past EOF) is not an error; callers see the
// short slice.
func (f *Fetcher) ReadRange(ctx context.Context, src string, off, length int64) ([]byte, error) {
	if off < 0 || length <= 0 {
		return nil, fmt.Errorf("invalid range %d+%d for %s", off, length, src)
	}
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return f.getHTTP(ctx, src, off, length)
	case strings.HasPrefix(src, "s3://"):
		return f.getS3(ctx, src, off, length)
	default:
		fh, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", src, err)
		}
		defer func() { _ = fh.Close() }()
		buf := make([]byte, length)
		n, err := fh.ReadAt(buf, off)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %w", src, err)
		}
		return buf[:n], nil
	}
}

func (f *Fetcher) getHTTP(ctx context.Context, src string, off, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", src, err)
	}
	if off >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", src, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("get %s: status %d: %s", src, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	r := io.Reader(resp.Body)
	if f.maxBody > 0 {
		r = io.LimitReader(r, f.maxBody)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", src, err)
	}
	return b, nil
}

func (f *Fetcher) getS3(ctx context.Context, src string, off, length int64) ([]byte, error) {
	client, err := f.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	bucket, key, err := splitS3URL(src)
	if err != nil {
		return nil, err
	}

	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if off >= 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", off, off+length-1))
	}
	out, err := client.GetObject(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", src, err)
	}
	defer func() { _ = out.Body.Close() }()

	r := io.Reader(out.Body)
	if f.maxBody > 0 {
		r = io.LimitReader(r, f.maxBody)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", src, err)
	}
	return b, nil
}

// s3Client builds the shared S3 client on first use. Static credentials
// from the environment win; otherwise the request is made anonymously,
// matching public bucket access for open EO archives.
func (f *Fetcher) s3Client(ctx context.Context) (S3API, error) {
	f.s3Once.Do(func() {
		var opts []func(*awsconfig.LoadOptions) error

		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		opts = append(opts, awsconfig.WithRegion(region))

		accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
		if accessKey != "" && secretKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
			))
		} else {
			opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
			f.log.Debug().Msg("no aws credentials, using anonymous access")
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			f.s3Err = fmt.Errorf("load aws config: %w", err)
			return
		}
		f.s3 = s3.NewFromConfig(cfg)
	})
	if f.s3Err != nil {
		return nil, f.s3Err
	}
	return f.s3, nil
}

func splitS3URL(src string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(src, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", src)
	}
	return parts[0], parts[1], nil
}
