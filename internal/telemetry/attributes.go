// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans.
const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	SymbolicatePathKey      = "symbolicate.path"
	SymbolicateUUIDKey      = "symbolicate.uuid"
	SymbolicateAddrCountKey = "symbolicate.addr_count"
	SymbolicateResolvedKey  = "symbolicate.resolved"

	ScanRootsKey   = "scan.roots"
	ScanBundlesKey = "scan.bundles"
	ScanIndexedKey = "scan.indexed"

	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SymbolicateAttributes creates span attributes for one symbolication.
func SymbolicateAttributes(path, uuid string, addrCount, resolved int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if path != "" {
		attrs = append(attrs, attribute.String(SymbolicatePathKey, path))
	}
	if uuid != "" {
		attrs = append(attrs, attribute.String(SymbolicateUUIDKey, uuid))
	}
	attrs = append(attrs,
		attribute.Int(SymbolicateAddrCountKey, addrCount),
		attribute.Int(SymbolicateResolvedKey, resolved),
	)
	return attrs
}

// ScanAttributes creates span attributes for one index scan.
func ScanAttributes(roots, bundles, indexed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(ScanRootsKey, roots),
		attribute.Int(ScanBundlesKey, bundles),
		attribute.Int(ScanIndexedKey, indexed),
	}
}

// ErrorAttributes creates error span attributes.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
