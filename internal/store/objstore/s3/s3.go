// Copyright (C) 2025 The kvbd authors

// Package s3 implements the objstore.Backend interface on top of AWS S3. It
// uses aws api v1.
package s3

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"

	"github.com/kvbd/kvbd/internal/store/objstore"
)

const (
	// Format string for the segment object key. We split the sequence
	// number into halves and use the lower half of bits as s3 prefix and
	// the upper half for the object key. This is to prevent s3 rate
	// limiting which is applied to objects with the same prefix.
	segFmt = "%08x/%08x"

	// Object name for the index checkpoint. It lives outside the segment
	// sequence so recovery and DeleteFrom never touch it.
	checkpointName = "checkpoint"
)

// S3 implements objstore.Backend using AWS S3. Parameters of the http
// connection are tuned for the best performance in the AWS environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

// Options to use in New() due to the high number of parameters. There is a
// lower chance of an ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added http2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			DualStack: true,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	// Following settings are recommended by AWS for usage in their
	// network. For different backends they should be tuned accordingly.
	httpClient := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})

	if err != nil {
		return nil, err
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess)
	s.downloader = s3manager.NewDownloader(sess)

	// Segments are small, we do not benefit from multipart transfers. The
	// only exception is the checkpoint during recovery or shutdown, which
	// can afford the serial path.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	err = s.makeBucketExist()

	return s, err
}

// Upload function implemented through s3 api.
func (s *S3) Upload(seg int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(seg)),
		Body:   bytes.NewReader(buf),
	})

	return err
}

// DownloadAt function implemented through s3 api.
func (s *S3) DownloadAt(seg int64, buf []byte, offset int64) error {
	to := offset + int64(len(buf)) - 1
	rng := fmt.Sprintf("bytes=%d-%d", offset, to)
	b := aws.NewWriteAtBuffer(buf)

	_, err := s.downloader.Download(b, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(seg)),
		Range:  &rng,
	})

	return translateNotFound(err)
}

// Size function implemented through s3 api.
func (s *S3) Size(seg int64) (int64, error) {
	head, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(seg)),
	})

	var size int64
	if err == nil {
		size = *head.ContentLength
	}

	return size, translateNotFound(err)
}

// Delete function implemented through s3 api.
func (s *S3) Delete(seg int64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(seg)),
	})

	return err
}

// DeleteFrom deletes the segment and all segments with higher sequence
// numbers. The checkpoint object is never touched.
func (s *S3) DeleteFrom(fromSeg int64) error {
	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			seg, ok := decode(*o.Key)
			if ok && seg >= fromSeg {
				s.Delete(seg)
			}
		}
		return true
	})

	return err
}

// Check whether the bucket exists and if not, create it and wait until it
// appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return err
}

// translateNotFound maps the s3 missing key errors onto objstore.ErrNotFound
// so recovery can tell a hole in the sequence from a real failure.
func translateNotFound(err error) error {
	if err == nil {
		return nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%w: %v", objstore.ErrNotFound, err)
		}
	}

	return err
}

// encode maps a segment number to the object key. The checkpoint gets its
// reserved name, data segments are split into prefix and key halves.
func encode(seg int64) string {
	if seg == objstore.CheckpointKey {
		return checkpointName
	}

	left := (seg >> 32) & 0xffffffff
	right := seg & 0xffffffff

	return fmt.Sprintf(segFmt, right, left)
}

// decode is the inverse to encode. The second return value is false for
// object keys which are not data segments.
func decode(key string) (int64, bool) {
	if key == checkpointName {
		return objstore.CheckpointKey, false
	}

	var prefix, seg int64
	n, err := fmt.Sscanf(key, segFmt, &prefix, &seg)
	if err != nil || n != 2 {
		return 0, false
	}

	return (seg << 32) + prefix, true
}
