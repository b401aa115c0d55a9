// Package core holds the pieces every layer of the CSVW toolkit shares.
//
// # Error Taxonomy
//
// Problems are reported with five concrete error types, each marked with a
// sentinel for errors.Is checks:
//
//   - [MetadataError] ([ErrMetadata]): malformed or inconsistent metadata
//   - [DialectError] ([ErrDialect]): contradictory dialect settings
//   - [DatatypeError] ([ErrDatatype]): a cell failing its datatype or facets
//   - [KeyViolationError] ([ErrKeyViolation]): duplicate primary or unresolved foreign key
//   - [EncodingError] ([ErrEncoding]): undecodable input bytes
//
// Metadata, dialect and encoding errors are fatal at construction or open
// time. Row-level errors follow a [Mode]: fail on the first one, or collect
// every [Violation] for a full report.
//
// # Decoding
//
// [Decode] turns a raw byte stream into validated UTF-8 with one leading
// byte-order mark removed. It runs before any tokenization.
//
// # User Messages
//
// [MapError] maps technical errors to a [UserMessage] with a stable code
// (META, DIAL, TYPE, KEY, ENC, FETCH, REQ families) for the HTTP API and CLI.
package core
