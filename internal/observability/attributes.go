// Package observability provides metrics for the worker and its HTTP API.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrCodec   = "codec"
	attrSuccess = "success"
	attrSampled = "sampled"
	attrReason  = "reason"
	attrOp      = "op"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func codecAttr(codec string) attribute.KeyValue {
	if codec == "" {
		codec = "none"
	}
	return attribute.String(attrCodec, codec)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

func sampledAttr(sampled bool) attribute.KeyValue {
	return attribute.Bool(attrSampled, sampled)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

// normalizePath replaces job IDs and output file names with placeholders.
func normalizePath(path string) string {
	const tasks = "/v1/videos/tasks/"
	const outputs = "/v1/videos/outputs/"

	switch {
	case strings.HasPrefix(path, tasks) && len(path) > len(tasks):
		rest := path[len(tasks):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return tasks + "{taskId}" + rest[i:]
		}
		return tasks + "{taskId}"
	case strings.HasPrefix(path, outputs) && len(path) > len(outputs):
		return outputs + "{file}"
	}
	return path
}
