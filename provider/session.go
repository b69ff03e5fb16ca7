package provider

import (
	"errors"
	"io/fs"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/franksops/gridconveyor/grid"
)

// Session is an authenticated grid session that exposes the account's zone
// as a Provider.
type Session interface {
	grid.Session

	// Remote is the account's home resource.
	Remote() Provider

	// Resource opens another storage resource in the same zone, used as
	// the target of replication.
	Resource(name string) (Provider, error)
}

var permanentCodes = map[string]bool{
	"NoSuchKey":             true,
	"NoSuchBucket":          true,
	"NotFound":              true,
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
}

// Permanent reports whether err will not go away by retrying: missing
// objects and refused access on either side of a transfer.
func Permanent(err error) bool {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, grid.ErrAuthRejected) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()] {
		return true
	}
	return isAuthStatus(err)
}

func isAuthStatus(err error) bool {
	return isStatus(err, 401, 403)
}

func isStatus(err error, codes ...int) bool {
	var re *smithyhttp.ResponseError
	if !errors.As(err, &re) {
		return false
	}
	for _, c := range codes {
		if re.HTTPStatusCode() == c {
			return true
		}
	}
	return false
}
