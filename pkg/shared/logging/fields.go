// Package logging provides a small structured-field builder used
// consistently across FlakeGuard's components so log lines from the
// webhook intake, workers, and scorer share the same key vocabulary.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a chainable builder over the standard logrus.Fields map.
type Fields map[string]any

// NewFields returns an empty builder.
func NewFields() Fields {
	return Fields{}
}

func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

func (f Fields) Operation(name string) Fields {
	f["operation"] = name
	return f
}

func (f Fields) Resource(resourceType, name string) Fields {
	f["resource_type"] = resourceType
	if name != "" {
		f["resource_name"] = name
	}
	return f
}

func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

func (f Fields) StatusCode(code int) Fields {
	f["status_code"] = code
	return f
}

func (f Fields) Method(method string) Fields {
	f["method"] = method
	return f
}

func (f Fields) URL(url string) Fields {
	f["url"] = url
	return f
}

func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

func (f Fields) Custom(key string, value any) Fields {
	f[key] = value
	return f
}

// ToLogrus converts the builder to logrus.Fields for use with
// logrus.Entry.WithFields.
func (f Fields) ToLogrus() logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// DatabaseFields returns fields for a storage-layer log line.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// HTTPFields returns fields for an HTTP request/response log line.
func HTTPFields(method, url string, statusCode int) Fields {
	return NewFields().Component("http").Method(method).URL(url).StatusCode(statusCode)
}

// IngestionFields returns fields for an artifact-ingestion log line.
func IngestionFields(operation, artifactName string) Fields {
	return NewFields().Component("ingestion").Operation(operation).Resource("artifact", artifactName)
}

// QueueFields returns fields for a job-queue log line.
func QueueFields(operation, jobID string) Fields {
	return NewFields().Component("queue").Operation(operation).Resource("job", jobID)
}

// ScoringFields returns fields for a flakiness-scoring log line.
func ScoringFields(testID string, score float64) Fields {
	return NewFields().Component("scoring").Resource("test", testID).Custom("score", score)
}

// SecurityFields returns fields for a security-relevant log line
// (signature verification, auth failures).
func SecurityFields(operation, subject string) Fields {
	return NewFields().Component("security").Operation(operation).Custom("subject", subject)
}
