package core

import (
	"errors"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "duplicate primary key maps by type",
			err:         &KeyViolationError{Kind: PrimaryKey, URL: "a.csv", Line: 3, Key: "(1)"},
			wantCode:    "KEY001",
			wantMessage: "Duplicate primary key",
		},
		{
			name:        "foreign key maps by type despite not found text",
			err:         &KeyViolationError{Kind: ForeignKey, URL: "a.csv", Line: 3, Key: "zzz", Reference: "b.csv"},
			wantCode:    "KEY002",
			wantMessage: "Referenced row does not exist",
		},
		{
			name:        "wrapped datatype error falls back to category",
			err:         Violation{URL: "a.csv", Line: 2, Column: 1, Err: &DatatypeError{Base: "integer", Value: "x"}},
			wantCode:    "TYPE001",
			wantMessage: "A cell value does not match its column datatype",
		},
		{
			name:        "unknown base pattern wins over metadata category",
			err:         NewMetadataError("datatype", "unknown base %q", "foo"),
			wantCode:    "META002",
			wantMessage: "Unknown datatype base",
		},
		{
			name:        "metadata category",
			err:         NewMetadataError("tableSchema", "something odd"),
			wantCode:    "META001",
			wantMessage: "The metadata document is invalid",
		},
		{
			name:        "encoding error",
			err:         &EncodingError{Encoding: "utf-8", Offset: 7},
			wantCode:    "ENC002",
			wantMessage: "File contains invalid characters",
		},
		{
			name:        "unsupported encoding",
			err:         NewDialectError("encoding", "unsupported encoding %q", "klingon"),
			wantCode:    "DIAL002",
			wantMessage: "The declared encoding is not supported",
		},
		{
			name:        "timeout",
			err:         errors.New("fetch: context deadline exceeded"),
			wantCode:    "REQ004",
			wantMessage: "Request timed out",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %v, want %v", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %v, want %v", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	err := &KeyViolationError{Kind: PrimaryKey, URL: "a.csv", Line: 4, Key: "(1)"}
	want := "Duplicate primary key (Code: KEY001). Remove or correct the duplicate rows"
	if got := FormatUserError(err); got != want {
		t.Errorf("FormatUserError() = %q, want %q", got, want)
	}
	if got := FormatUserError(nil); got != "" {
		t.Errorf("FormatUserError(nil) = %q, want empty", got)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"taxonomy error", &DatatypeError{Base: "date", Value: "x"}, true},
		{"random error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
