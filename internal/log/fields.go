// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldScanID    = "scan_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Image fields
	FieldUUID = "uuid"
	FieldArch = "arch"

	// Path fields
	FieldPath      = "path"
	FieldDSYMPath  = "dsym_path"
	FieldIndexPath = "index_path"

	// Symbolication fields
	FieldAddrCount = "addr_count"
	FieldLoadAddr  = "load_addr"
)
