// Package awshttp is the thin HTTP + SigV4 client the DynamoDB request
// queue sends through (spec §4.9, C9): pick a live address from a
// server pool, build and sign a DynamoDB_20120810 request the way
// dynamodb_request() does, issue it, and cap the response body at the
// caller's maxrlen. The chunked-transfer/Content-Length response
// parsing spec §4.9 describes as an external collaborator is handled
// by net/http itself; signing is handled by aws-sdk-go-v2's SigV4
// signer in place of aws_sign.c's hand-rolled HMAC-SHA256 chain.
package awshttp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Tarsnap/kivaloo-sub001/internal/ddbqerr"
	"github.com/Tarsnap/kivaloo-sub001/internal/serverpool"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// Credentials is a static AWS key pair, as read from the -k keyfile.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// ReadKeyFile parses an AWS key file: lines of the form
// "ACCESS_KEY_ID=..." and "ACCESS_KEY_SECRET=...", mirroring
// aws_readkeys's format exactly (including rejecting a file missing
// either key or specifying one twice).
func ReadKeyFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("awshttp: reading key file %s: %w", path, err)
	}

	var creds Credentials
	var haveID, haveSecret bool
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Credentials{}, fmt.Errorf("awshttp: %s: lines must be ACCESS_KEY_(ID|SECRET)=...", path)
		}
		switch k {
		case "ACCESS_KEY_ID":
			if haveID {
				return Credentials{}, fmt.Errorf("awshttp: %s: ACCESS_KEY_ID specified twice", path)
			}
			creds.AccessKeyID = v
			haveID = true
		case "ACCESS_KEY_SECRET":
			if haveSecret {
				return Credentials{}, fmt.Errorf("awshttp: %s: ACCESS_KEY_SECRET specified twice", path)
			}
			creds.SecretAccessKey = v
			haveSecret = true
		default:
			return Credentials{}, fmt.Errorf("awshttp: %s: lines must be ACCESS_KEY_(ID|SECRET)=...", path)
		}
	}
	if err := scanner.Err(); err != nil {
		return Credentials{}, fmt.Errorf("awshttp: reading key file %s: %w", path, err)
	}
	if !haveID || !haveSecret {
		return Credentials{}, fmt.Errorf("awshttp: %s: need ACCESS_KEY_ID and ACCESS_KEY_SECRET", path)
	}
	return creds, nil
}

// Response is a DynamoDB HTTP response capped at the caller's maxrlen.
type Response struct {
	Status int
	Body   []byte
}

// Client signs and sends DynamoDB_20120810 requests, dialing
// connections through a serverpool.Pool instead of resolving the
// service hostname directly, so traffic follows the same refreshed
// address set the capacity reader and request queue see.
type Client struct {
	http   *http.Client
	pool   *serverpool.Pool
	creds  Credentials
	region string
	signer *v4.Signer
}

// New builds a Client that dials addresses from pool for the DynamoDB
// endpoint in region, signing requests with creds.
func New(pool *serverpool.Pool, region string, creds Credentials) *Client {
	dial := func(ctx context.Context, network, _ string) (net.Conn, error) {
		addr, ok := pool.Pick()
		if !ok {
			return nil, fmt.Errorf("awshttp: no live dynamodb endpoint addresses")
		}
		return (&net.Dialer{}).DialContext(ctx, network, net.JoinHostPort(addr, "443"))
	}
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:         dial,
				MaxIdleConnsPerHost: 8,
			},
		},
		pool:   pool,
		creds:  creds,
		region: region,
		signer: v4.NewSigner(),
	}
}

// Send implements ddbqueue.Sender: build, sign and issue one
// DynamoDB_20120810.<op> request, reading at most maxrlen bytes of
// response body. A non-nil error means the round trip itself failed
// (the ddbqueue equivalent of dynamodb_request's "response == NULL")
// or that the body exceeded maxrlen (ddbqerr.ErrResponseTooLarge); any
// other received HTTP status, including 4xx/5xx, is returned as a
// Response.
func (c *Client) Send(ctx context.Context, op string, body []byte, maxrlen int) (*Response, error) {
	host := fmt.Sprintf("dynamodb.%s.amazonaws.com", c.region)
	url := fmt.Sprintf("https://%s/", host)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("awshttp: building request: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("X-Amz-Target", "DynamoDB_20120810."+op)
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")

	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	awscreds := aws.Credentials{AccessKeyID: c.creds.AccessKeyID, SecretAccessKey: c.creds.SecretAccessKey}
	if err := c.signer.SignHTTP(ctx, awscreds, req, payloadHash, "dynamodb", c.region, time.Now()); err != nil {
		return nil, fmt.Errorf("awshttp: signing request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, int64(maxrlen)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("awshttp: reading response body: %w", err)
	}
	if len(data) > maxrlen {
		return nil, ddbqerr.ErrResponseTooLarge
	}
	return &Response{Status: resp.StatusCode, Body: data}, nil
}
