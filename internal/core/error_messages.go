package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference. Codes are grouped by category:
//
//	META001-META006  metadata document problems
//	DIAL001-DIAL003  dialect problems
//	TYPE001-TYPE004  cell values failing their datatype
//	KEY001-KEY002    primary and foreign key violations
//	ENC001-ENC002    undecodable input
//	FETCH001-FETCH004 locating metadata or data files
//	REQ001-REQ004    HTTP request problems
//	ERR000           fallback, check the logs for the technical error
//
// Taxonomy errors are matched by type first; everything else falls back to
// case-insensitive substring patterns, first match wins.

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// UserMessage contains a user-friendly error message with guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgMetadata = UserMessage{
		Message: "The metadata document is invalid",
		Action:  "Fix the reported property and try again",
		Code:    "META001",
	}
	msgDialect = UserMessage{
		Message: "The dialect settings are invalid",
		Action:  "Check delimiter, quoting and header settings",
		Code:    "DIAL001",
	}
	msgDatatype = UserMessage{
		Message: "A cell value does not match its column datatype",
		Action:  "Correct the value or relax the column constraints",
		Code:    "TYPE001",
	}
	msgPrimaryKey = UserMessage{
		Message: "Duplicate primary key",
		Action:  "Remove or correct the duplicate rows",
		Code:    "KEY001",
	}
	msgForeignKey = UserMessage{
		Message: "Referenced row does not exist",
		Action:  "Add the referenced row or correct the foreign key value",
		Code:    "KEY002",
	}
	msgEncoding = UserMessage{
		Message: "File contains bytes that are invalid in the declared encoding",
		Action:  "Save the file as UTF-8 or declare its encoding in the dialect",
		Code:    "ENC001",
	}
)

var errorPatterns = []errorPattern{
	// =========================================================================
	// Metadata (META002-META006)
	// =========================================================================
	{
		pattern: "unknown base",
		msg: UserMessage{
			Message: "Unknown datatype base",
			Action:  "Use one of the built-in datatypes such as string, integer or date",
			Code:    "META002",
		},
	},
	{
		pattern: "duplicate column",
		msg: UserMessage{
			Message: "Two columns share the same name",
			Action:  "Give every column a unique name",
			Code:    "META003",
		},
	},
	{
		pattern: "missing required columns",
		msg: UserMessage{
			Message: "Required column is missing from the data file",
			Action:  "Check that the header contains every required column",
			Code:    "META004",
		},
	},
	{
		pattern: "invalid json",
		msg: UserMessage{
			Message: "The metadata document is not valid JSON",
			Action:  "Check the document with a JSON validator",
			Code:    "META005",
		},
	},
	{
		pattern: "unknown table",
		msg: UserMessage{
			Message: "Referenced table is not part of the table group",
			Action:  "Check the resource url of the foreign key",
			Code:    "META006",
		},
	},

	// =========================================================================
	// Dialect (DIAL002-DIAL003)
	// =========================================================================
	{
		pattern: "unsupported encoding",
		msg: UserMessage{
			Message: "The declared encoding is not supported",
			Action:  "Use utf-8 or another standard encoding name",
			Code:    "DIAL002",
		},
	},
	{
		pattern: "quoting is disabled",
		msg: UserMessage{
			Message: "A value needs quoting but quoting is disabled",
			Action:  "Set a quoteChar or remove delimiters from the data",
			Code:    "DIAL003",
		},
	},

	// =========================================================================
	// Values (TYPE002-TYPE004)
	// =========================================================================
	{
		pattern: "required column value is missing",
		msg: UserMessage{
			Message: "Required value is empty",
			Action:  "Ensure all required columns have values",
			Code:    "TYPE002",
		},
	},
	{
		pattern: "unterminated quoted field",
		msg: UserMessage{
			Message: "A quoted field is never closed",
			Action:  "Check for a missing closing quote",
			Code:    "TYPE003",
		},
	},
	{
		pattern: "invalid utf-8",
		msg: UserMessage{
			Message: "File contains invalid characters",
			Action:  "Save file as UTF-8 encoding",
			Code:    "ENC002",
		},
	},

	// =========================================================================
	// Fetching (FETCH001-FETCH004)
	// =========================================================================
	{
		pattern: "not found",
		msg: UserMessage{
			Message: "File not found",
			Action:  "Check the path or url, relative urls resolve against the metadata file",
			Code:    "FETCH001",
		},
	},
	{
		pattern: "unsupported scheme",
		msg: UserMessage{
			Message: "Location scheme is not supported",
			Action:  "Use a local path, file://, mem:// or http(s):// location",
			Code:    "FETCH002",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to the remote server",
			Action:  "Please try again in a few moments",
			Code:    "FETCH003",
		},
	},
	{
		pattern: "zip archive",
		msg: UserMessage{
			Message: "The zip archive could not be read",
			Action:  "Check the archive contains the referenced table",
			Code:    "FETCH004",
		},
	},

	// =========================================================================
	// Requests (REQ001-REQ004)
	// =========================================================================
	{
		pattern: "request body too large",
		msg: UserMessage{
			Message: "Request exceeds maximum size limit",
			Action:  "Split the file into smaller chunks",
			Code:    "REQ001",
		},
	},
	{
		pattern: "too many concurrent",
		msg: UserMessage{
			Message: "The server is busy",
			Action:  "Please try again shortly",
			Code:    "REQ002",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "REQ003",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller file or check your connection",
			Code:    "REQ004",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Key violations are matched by type, then specific patterns are tried
// before the category fallback so that, for example, an unknown base type
// reports META002 rather than META001.
//
// Example:
//
//	msg := MapError(&KeyViolationError{Kind: ForeignKey})
//	// msg.Code == "KEY002"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var kv *KeyViolationError
	if errors.As(err, &kv) {
		if kv.Kind == ForeignKey {
			return msgForeignKey
		}
		return msgPrimaryKey
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	switch {
	case errors.Is(err, ErrDatatype):
		return msgDatatype
	case errors.Is(err, ErrEncoding):
		return msgEncoding
	case errors.Is(err, ErrDialect):
		return msgDialect
	case errors.Is(err, ErrMetadata):
		return msgMetadata
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
