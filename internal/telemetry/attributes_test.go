// SPDX-License-Identifier: MIT

package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("POST", "/api/v1/symbolicate", "http://localhost/api/v1/symbolicate", 200)
	assert.Contains(t, attrs, attribute.String(HTTPMethodKey, "POST"))
	assert.Contains(t, attrs, attribute.Int(HTTPStatusCodeKey, 200))
}

func TestSymbolicateAttributesOmitsEmpty(t *testing.T) {
	attrs := SymbolicateAttributes("", "abc", 4, 3)
	assert.Len(t, attrs, 3)
	assert.Contains(t, attrs, attribute.String(SymbolicateUUIDKey, "abc"))
	assert.Contains(t, attrs, attribute.Int(SymbolicateResolvedKey, 3))

	attrs = SymbolicateAttributes("/bin/app", "abc", 4, 3)
	assert.Len(t, attrs, 4)
}

func TestScanAttributes(t *testing.T) {
	attrs := ScanAttributes(2, 10, 8)
	assert.Contains(t, attrs, attribute.Int(ScanIndexedKey, 8))
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("locate")
	assert.Contains(t, attrs, attribute.Bool(ErrorKey, true))
	assert.Contains(t, attrs, attribute.String(ErrorTypeKey, "locate"))
}
