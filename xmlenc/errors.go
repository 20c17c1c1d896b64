package xmlenc

import "github.com/kenchrcum/xmlenc/internal/xerr"

// Kind identifies a class of EncryptionContext failure (spec.md §7),
// re-exported from internal/xerr: Go's internal/ visibility rule means a
// caller outside this module can import
// "github.com/kenchrcum/xmlenc/xmlenc" but not its internal/xerr package,
// yet still needs Kind for errors.Is checks against operation failures.
type Kind = xerr.Kind

// Error kinds, re-exported from internal/xerr for the same reason as Kind.
const (
	XMLFailed          = xerr.XMLFailed
	XMLSecFailed       = xerr.XMLSecFailed
	XSLTFailed         = xerr.XSLTFailed
	MallocFailed       = xerr.MallocFailed
	InvalidNode        = xerr.InvalidNode
	UnexpectedNode     = xerr.UnexpectedNode
	InvalidNodeContent = xerr.InvalidNodeContent
	InvalidData        = xerr.InvalidData
	InvalidType        = xerr.InvalidType
	InvalidStatus      = xerr.InvalidStatus
	KeyNotFound        = xerr.KeyNotFound
	InvalidURI         = xerr.InvalidURI
)

// Error is the structured error type every EncryptionContext operation
// returns on failure, re-exported from internal/xerr.
type Error = xerr.Error
