// Package wire defines the vocabulary shared by the stowage client and the
// connector: endpoint names, form field names, response shapes and the
// reserved error-message prefixes both sides must agree on. The connector
// reports errors as JSON bodies on HTTP 200 responses; clients learn what
// happened by inspecting the envelope, never the status code.
package wire

import (
	"strings"
)

// Endpoints exposed by a connector. All of them accept form-encoded POSTs.
const (
	EndpointUpload      = "upload"
	EndpointGetFileInfo = "getfileinfo"
	EndpointDownload    = "download"
	EndpointDelete      = "delete"
	EndpointMakeLink    = "makelink"
)

// Form field names understood by the connector.
const (
	FieldPath        = "path"
	FieldToken       = "token"
	FieldOverwrite   = "overwrite"
	FieldDirMode     = "dirmode"
	FieldMode        = "mode"
	FieldSize        = "size"
	FieldMD5Sum      = "md5sum"
	FieldOKIfMissing = "okifmissing"
	FieldLinkTarget  = "targetoflink"
	// FieldFile is the multipart field carrying the upload payload.
	FieldFile = "fileinfo"
)

// StatusError is the envelope status the connector uses for every failure.
const StatusError = "error"

// Reserved error-message prefixes. These are part of the wire contract: the
// connector must produce them verbatim and clients key special handling off
// them. Classify is the only place they should ever be matched.
const (
	// PrefixInvalidToken marks an authentication failure. Fatal to clients,
	// never retried.
	PrefixInvalidToken = "Invalid token"
	// PrefixAlreadyExists marks a refusal to overwrite. Suppressible on
	// upload when the caller expects the file to possibly exist.
	PrefixAlreadyExists = "File already exists"
	// PrefixNoSuchFile marks an absent path. Suppressible on stat, where
	// absence is a value rather than a failure.
	PrefixNoSuchFile = "No such file"
)

// Info describes a file held by the archive. It is the unit of truth for
// stat-style queries; its MD5Sum is the authority every verification step
// compares against.
type Info struct {
	ServerPath string `json:"serverpath"`
	Size       int64  `json:"size"`
	MD5Sum     string `json:"md5sum"`
}

// UploadResult is the connector's answer to a successful upload.
type UploadResult struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Length   int64  `json:"length"`
	MD5Sum   string `json:"md5sum"`
}

// DeleteResult is the connector's answer to a successful delete.
type DeleteResult struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// LinkResult is the connector's answer to a successful makelink.
type LinkResult struct {
	Status string `json:"status"`
	Target string `json:"target"`
	Link   string `json:"link"`
}

// Envelope is the error shape every connector handler produces when anything
// goes wrong. Traceback carries server-side diagnostics and is never
// interpreted by clients.
type Envelope struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// Kind enumerates the conditions a connector error message can encode.
type Kind int

const (
	// KindOther is any error without special client-side handling.
	KindOther Kind = iota
	// KindInvalidToken is a fatal authentication failure.
	KindInvalidToken
	// KindAlreadyExists is an overwrite refusal.
	KindAlreadyExists
	// KindNoSuchFile is an absent path.
	KindNoSuchFile
)

// Classify maps a connector error message to the condition it encodes. The
// two sides of this system are separate deployables that agree on message
// text rather than on structured codes; keeping the prefix matching here, in
// one function, means a future structured error code can replace it without
// touching any call site.
func Classify(message string) Kind {
	switch {
	case strings.HasPrefix(message, PrefixInvalidToken):
		return KindInvalidToken
	case strings.HasPrefix(message, PrefixAlreadyExists):
		return KindAlreadyExists
	case strings.HasPrefix(message, PrefixNoSuchFile):
		return KindNoSuchFile
	}
	return KindOther
}

// FormBool renders a boolean the way connector form fields expect it.
func FormBool(value bool) string {
	if value {
		return "1"
	}
	return "0"
}
