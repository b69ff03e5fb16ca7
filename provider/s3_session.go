package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/franksops/gridconveyor/grid"
)

// CredentialResolver turns an account's credential reference into an
// access key pair.
type CredentialResolver func(ref string) (accessKey, secretKey string, err error)

// EnvCredentials resolves ref from the environment variables
// <REF>_ACCESS_KEY and <REF>_SECRET_KEY, where REF is upper-cased and every
// character that is not a letter or digit becomes '_'.
func EnvCredentials(ref string) (string, string, error) {
	if ref == "" {
		return "", "", errors.New("account has no credential reference")
	}
	name := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, ref)
	ak, sk := os.Getenv(name+"_ACCESS_KEY"), os.Getenv(name+"_SECRET_KEY")
	if ak == "" || sk == "" {
		return "", "", fmt.Errorf("credentials %s_ACCESS_KEY/%s_SECRET_KEY not set", name, name)
	}
	return ak, sk, nil
}

// S3Config configures sessions against S3-compatible grid endpoints.
type S3Config struct {
	Region      string
	UseTLS      bool
	PartSize    int64
	Credentials CredentialResolver
}

// S3Authenticator opens sessions against the account's host:port, treating
// the zone as the home bucket.
type S3Authenticator struct {
	cfg S3Config
}

var _ grid.Authenticator = (*S3Authenticator)(nil)

// NewS3Authenticator creates an authenticator. Missing credentials
// resolution falls back to EnvCredentials.
func NewS3Authenticator(cfg S3Config) *S3Authenticator {
	if cfg.Credentials == nil {
		cfg.Credentials = EnvCredentials
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &S3Authenticator{cfg: cfg}
}

// Open builds a client for account and checks access to its zone bucket.
func (a *S3Authenticator) Open(ctx context.Context, account grid.Account) (grid.Session, error) {
	ak, sk, err := a.cfg.Credentials(account.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", grid.ErrAuthRejected, err)
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(a.cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(a.endpoint(account))
		o.UsePathStyle = true
	})

	_, err = client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(account.Zone)})
	if err != nil {
		if isAuthStatus(err) {
			return nil, fmt.Errorf("%w: %s: %v", grid.ErrAuthRejected, account.Signature(), err)
		}
		return nil, fmt.Errorf("failed to reach zone %s: %w", account.Zone, err)
	}

	return &S3Session{
		account:  account,
		client:   client,
		partSize: a.cfg.PartSize,
		remote:   NewS3ProviderFromClient(client, account.Zone, "", a.cfg.PartSize),
	}, nil
}

// Close releases a session. S3 clients hold no server-side state, so only
// pooled connections are dropped.
func (a *S3Authenticator) Close(s grid.Session) error {
	if ss, ok := s.(*S3Session); ok {
		if c, ok := ss.client.Options().HTTPClient.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
	return nil
}

func (a *S3Authenticator) endpoint(account grid.Account) string {
	scheme := "http"
	if a.cfg.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, account.Host, account.Port)
}

// S3Session is an authenticated S3 client bound to one account.
type S3Session struct {
	account  grid.Account
	client   *s3.Client
	partSize int64
	remote   *S3Provider
}

var _ Session = (*S3Session)(nil)

func (s *S3Session) Account() grid.Account { return s.account }
func (s *S3Session) Remote() Provider      { return s.remote }

// Resource returns a provider over another bucket reachable with the same
// credentials.
func (s *S3Session) Resource(name string) (Provider, error) {
	if name == "" {
		return nil, errors.New("resource name is required")
	}
	return NewS3ProviderFromClient(s.client, name, "", s.partSize), nil
}
