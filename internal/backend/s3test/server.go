// Package s3test provides an in-memory S3-compatible HTTP server for tests.
// It understands enough of the object API for single-part uploads through
// minio-go and the AWS SDK: bucket creation, object PUT, HEAD, GET and
// DELETE. Signatures are not verified; RequireAccessKey only checks which
// access key a SigV4 request claims.
package s3test

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// S3Error is the XML error body returned by S3.
type S3Error struct {
	XMLName  xml.Name `xml:"Error"`
	Code     string   `xml:"Code"`
	Message  string   `xml:"Message"`
	Resource string   `xml:"Resource"`
}

type object struct {
	data       []byte
	etag       string
	modifiedAt time.Time
}

// Server is an in-memory object store served over HTTP.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	accessKey   string
	buckets     map[string]map[string]object
	failPuts    int
	corruptPuts int
	deletes     map[string]int
	puts        map[string]int
}

// NewServer starts a server with the given buckets and stops it when the
// test ends.
func NewServer(t *testing.T, buckets ...string) *Server {
	t.Helper()

	s := &Server{
		buckets: make(map[string]map[string]object),
		deletes: make(map[string]int),
		puts:    make(map[string]int),
	}
	for _, b := range buckets {
		s.buckets[b] = make(map[string]object)
	}

	s.Server = httptest.NewServer(s.Handler())
	t.Cleanup(s.Close)
	return s
}

// Handler returns the S3 request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleCreateBucket(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("GET /{bucket}", func(w http.ResponseWriter, r *http.Request) {
		s.handleBucketGet(w, r, r.PathValue("bucket"))
	})
	mux.HandleFunc("PUT /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectPut(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("HEAD /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectHead(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("GET /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectGet(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})
	mux.HandleFunc("DELETE /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleObjectDelete(w, r, r.PathValue("bucket"), r.PathValue("key"))
	})

	return s.authenticate(mux)
}

// FailPuts makes the next n object uploads fail with AccessDenied.
func (s *Server) FailPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
}

// CorruptPuts makes the next n uploads store damaged content, as a
// truncated or garbled write on the server side would.
func (s *Server) CorruptPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptPuts = n
}

// Object returns a copy of a stored object.
func (s *Server) Object(bucket string, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(obj.data), true
}

// Puts returns how many uploads of bucket/key succeeded.
func (s *Server) Puts(bucket string, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[bucket+"/"+key]
}

// Deletes returns how many delete requests hit bucket/key.
func (s *Server) Deletes(bucket string, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[bucket+"/"+key]
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.buckets[bucket]; ok {
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}
	s.buckets[bucket] = make(map[string]object)
	w.WriteHeader(http.StatusOK)
}

// handleBucketGet only answers ?location, which clients without a configured
// region ask first.
func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	if !r.URL.Query().Has("location") {
		writeS3Error(w, "NotImplemented", "Only GetBucketLocation is implemented.", r.URL.Path, http.StatusNotImplemented)
		return
	}

	s.mu.Lock()
	_, ok := s.buckets[bucket]
	s.mu.Unlock()
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></LocationConstraint>`)
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	defer r.Body.Close()

	var (
		data []byte
		err  error
	)
	if isStreaming(r) {
		data, err = decodeStreamingPayload(r.Body)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Failed to read request body", r.URL.Path, http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failPuts > 0 {
		s.failPuts--
		writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
		return
	}

	objects, ok := s.buckets[bucket]
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	if s.corruptPuts > 0 && len(data) > 0 {
		s.corruptPuts--
		data = bytes.Clone(data)
		data[len(data)-1] ^= 0xff
	}

	obj := object{data: data, etag: md5Hex(data), modifiedAt: time.Now().UTC()}
	objects[key] = obj
	s.puts[bucket+"/"+key]++

	w.Header().Set("ETag", fmt.Sprintf("\"%s\"", obj.etag))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) lookup(bucket string, key string) (object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.buckets[bucket][key]
	return obj, ok
}

func setObjectHeaders(w http.ResponseWriter, obj object) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.Header().Set("Last-Modified", obj.modifiedAt.Format(http.TimeFormat))
	w.Header().Set("ETag", fmt.Sprintf("\"%s\"", obj.etag))
	w.Header().Set("Accept-Ranges", "bytes")
}

func (s *Server) handleObjectHead(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	obj, ok := s.lookup(bucket, key)
	if !ok {
		// HEAD responses carry no body.
		w.WriteHeader(http.StatusNotFound)
		return
	}

	setObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	obj, ok := s.lookup(bucket, key)
	if !ok {
		writeNoSuchKeyError(w, r)
		return
	}

	setObjectHeaders(w, obj)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.data)
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects, ok := s.buckets[bucket]
	if !ok {
		writeNoSuchBucketError(w, r)
		return
	}

	delete(objects, key)
	s.deletes[bucket+"/"+key]++
	w.WriteHeader(http.StatusNoContent)
}

func isStreaming(r *http.Request) bool {
	if strings.HasPrefix(strings.ToUpper(r.Header.Get("X-Amz-Content-Sha256")), "STREAMING-") {
		return true
	}
	return strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
}

// decodeStreamingPayload decodes an aws-chunked body, signed or unsigned,
// with or without trailing checksums.
func decodeStreamingPayload(body io.Reader) ([]byte, error) {
	br := bufio.NewReader(body)
	var out bytes.Buffer

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("unexpected EOF while reading chunk header")
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", line, err)
		}

		if size == 0 {
			// Trailers and the final CRLF follow; none of them matter here.
			_, _ = io.Copy(io.Discard, br)
			break
		}

		n, err := io.CopyN(&out, br, size)
		if err != nil {
			return nil, fmt.Errorf("read chunk body: expected %d bytes, got %d: %w", size, n, err)
		}

		// Consume the trailing CRLF after the chunk body.
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil || string(crlf) != "\r\n" {
			return nil, fmt.Errorf("expected CRLF after chunk, got %q", crlf)
		}
	}

	return out.Bytes(), nil
}
