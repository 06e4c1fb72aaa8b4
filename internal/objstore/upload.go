package objstore

import (
	"bytes"
	"context"
	"io"
	"mime"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// sniffLen is how much of the body is inspected to guess a content type
const sniffLen = 3072

// minProgressStep bounds how often progress is reported
const minProgressStep = 64 << 10

// UploadInput describes a server-side upload
type UploadInput struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Progress    ProgressFunc
}

// UploadObject streams Body to S3, reporting progress as bytes are sent.
// A missing content type is sniffed from the first bytes of the body.
func (c *Client) UploadObject(ctx context.Context, in UploadInput) error {
	if err := c.checkObject(in.Bucket, in.Key); err != nil {
		return err
	}

	body := in.Body
	contentType := in.ContentType
	if contentType == "" {
		var err error
		contentType, body, err = detectContentType(in.Key, body)
		if err != nil {
			return err
		}
	}

	pr := newProgressReader(body, in.Size, in.Progress)
	var payload io.Reader = pr
	if _, ok := body.(io.Seeker); ok {
		payload = &seekableProgressReader{pr}
	}

	start := time.Now()
	_, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(in.Bucket),
		Key:           aws.String(in.Key),
		Body:          payload,
		ContentLength: aws.Int64(in.Size),
		ContentType:   aws.String(contentType),
	}, func(o *s3.Options) {
		o.APIOptions = append(o.APIOptions, v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware)
	})
	if err := c.observe("PutObject", start, err); err != nil {
		return err
	}

	pr.finish()

	logrus.WithFields(logrus.Fields{
		"bucket":       in.Bucket,
		"key":          in.Key,
		"size":         in.Size,
		"content_type": contentType,
		"duration":     time.Since(start).String(),
	}).Info("Object uploaded")

	return nil
}

// detectContentType sniffs the start of body, falling back to the key's
// extension. The returned reader yields the full body.
func detectContentType(key string, body io.Reader) (string, io.Reader, error) {
	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(body, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", nil, err
	}
	buf = buf[:n]

	if seeker, ok := body.(io.ReadSeeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return "", nil, err
		}
	} else {
		body = io.MultiReader(bytes.NewReader(buf), body)
	}

	detected := mimetype.Detect(buf)
	if detected.Is("application/octet-stream") || detected.Is("text/plain") {
		if byExt := mime.TypeByExtension(path.Ext(key)); byExt != "" {
			return byExt, body, nil
		}
	}
	return detected.String(), body, nil
}

// progressReader counts bytes read and reports them in coarse steps
type progressReader struct {
	r        io.Reader
	total    int64
	loaded   int64
	reported int64
	step     int64
	fn       ProgressFunc
}

func newProgressReader(r io.Reader, total int64, fn ProgressFunc) *progressReader {
	step := total / 100
	if step < minProgressStep {
		step = minProgressStep
	}
	return &progressReader{r: r, total: total, step: step, fn: fn, reported: -1}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		if p.loaded-p.reported >= p.step || p.loaded == p.total {
			p.report()
		}
	}
	return n, err
}

// seekableProgressReader lets the SDK rewind seekable bodies on retry
type seekableProgressReader struct {
	*progressReader
}

func (p *seekableProgressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := p.r.(io.Seeker).Seek(offset, whence)
	if err == nil {
		p.loaded = pos
	}
	return pos, err
}

func (p *progressReader) report() {
	if p.fn != nil && p.loaded != p.reported {
		p.reported = p.loaded
		p.fn(p.loaded, p.total)
	}
}

// finish makes sure the final count is reported once the upload completes
func (p *progressReader) finish() {
	p.report()
}
