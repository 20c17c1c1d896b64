package urifetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kenchrcum/xmlenc/internal/xerr"
)

// S3Config names the object-store endpoint a CipherReference's s3:// URI
// resolves against. Mirrors the teacher's BackendConfig shape for the
// fields a Fetcher actually needs (credentials, region, non-AWS endpoint
// override), dropping the bucket lifecycle/object-listing fields that
// belonged to the gateway's PUT/DELETE/list surface.
type S3Config struct {
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
	Provider  string // "aws" or an S3-compatible provider name
}

// Fetcher implements transform.URIResolver: it classifies a full URI by
// scheme and opens it via the matching backend, subject to policy. It is
// the "full URI → fetch" leaf of setUri's three-way split (spec.md §4.5);
// same-document and fragment URIs never reach a Fetcher at all.
type Fetcher struct {
	Policy     *Policy
	HTTPClient *http.Client

	s3Client *s3.Client
	s3cfg    *S3Config
}

// NewFetcher builds a Fetcher enforcing policy. s3cfg may be nil if no
// s3:// URIs are expected; constructing the AWS client is deferred to first
// use so a Fetcher with no S3 config never needs network access to build.
func NewFetcher(policy *Policy, s3cfg *S3Config) *Fetcher {
	if policy == nil {
		policy = NewPolicy(nil, nil)
	}
	return &Fetcher{
		Policy:     policy,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		s3cfg:      s3cfg,
	}
}

// Open resolves uri per its scheme, returning the unconsumed body as an
// io.ReadCloser for the Context's synthetic source Transform to stream from.
func (f *Fetcher) Open(uri string) (io.ReadCloser, error) {
	if !f.Policy.Allowed(uri) {
		return nil, xerr.New(xerr.InvalidURI, uri, "denied by fetch policy")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, xerr.Wrap(xerr.InvalidURI, uri, err)
	}

	switch u.Scheme {
	case "http", "https":
		return f.openHTTP(uri)
	case "s3":
		return f.openS3(u)
	default:
		return nil, xerr.New(xerr.InvalidURI, uri, fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
}

func (f *Fetcher) openHTTP(uri string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, xerr.Wrap(xerr.InvalidURI, uri, err)
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return nil, xerr.Wrap(xerr.InvalidURI, uri, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, xerr.New(xerr.InvalidURI, uri, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return resp.Body, nil
}

// openS3 parses a URI of the form s3://bucket/key and fetches the object.
// The AWS client is lazily initialized on first use, following the
// teacher's NewClient(cfg) pattern but deferred so a Fetcher built without
// S3 traffic never dials AWS.
func (f *Fetcher) openS3(u *url.URL) (io.ReadCloser, error) {
	if f.s3cfg == nil {
		return nil, xerr.New(xerr.InvalidURI, u.String(), "no S3 backend configured")
	}
	if f.s3Client == nil {
		if err := f.initS3Client(); err != nil {
			return nil, xerr.Wrap(xerr.InvalidURI, u.String(), err)
		}
	}

	bucket := u.Host
	key := u.Path
	if len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}
	if bucket == "" || key == "" {
		return nil, xerr.New(xerr.InvalidURI, u.String(), "s3 URI must be of the form s3://bucket/key")
	}

	out, err := f.s3Client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerr.Wrap(xerr.InvalidURI, u.String(), err)
	}
	return out.Body, nil
}

func (f *Fetcher) initS3Client() error {
	cfg := f.s3cfg
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)),
	)
	if err != nil {
		return fmt.Errorf("urifetch: loading AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	f.s3Client = s3.NewFromConfig(awsCfg, opts...)
	return nil
}
