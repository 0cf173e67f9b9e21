package asr

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	tencentEndpoint   = "https://asr.tencentcloudapi.com"
	tencentService    = "asr"
	tencentAction     = "SentenceRecognition"
	tencentAPIVersion = "2019-06-14"
)

// SentenceRecognizer calls Tencent Cloud one-sentence recognition with
// TC3-HMAC-SHA256 request signing.
type SentenceRecognizer struct {
	secretID   string
	secretKey  string
	region     string
	endpoint   string
	httpClient *http.Client
}

func NewSentenceRecognizer(secretID, secretKey, region string) *SentenceRecognizer {
	if region == "" {
		region = "ap-shanghai"
	}
	return &SentenceRecognizer{
		secretID:  secretID,
		secretKey: secretKey,
		region:    region,
		endpoint:  tencentEndpoint,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (r *SentenceRecognizer) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if r.secretID == "" || r.secretKey == "" {
		return "", fmt.Errorf("transcription credentials not configured")
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("empty audio payload")
	}
	if format == "" {
		format = "mp3"
	}

	payload, err := json.Marshal(map[string]interface{}{
		"ProjectId":      0,
		"SubServiceType": 2,
		"EngSerViceType": "16k_zh",
		"SourceType":     1,
		"VoiceFormat":    format,
		"Data":           base64.StdEncoding.EncodeToString(audio),
		"DataLen":        len(audio),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	host, err := hostOf(r.endpoint)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Host", host)
	req.Header.Set("X-TC-Action", tencentAction)
	req.Header.Set("X-TC-Version", tencentAPIVersion)
	req.Header.Set("X-TC-Region", r.region)
	req.Header.Set("X-TC-Timestamp", strconv.FormatInt(now.Unix(), 10))
	req.Header.Set("Authorization", r.sign(host, payload, now))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call recognition API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read recognition response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("recognition API error (status %d): %s", resp.StatusCode, body)
	}

	var parsed struct {
		Response struct {
			Result string `json:"Result"`
			Error  *struct {
				Code    string `json:"Code"`
				Message string `json:"Message"`
			} `json:"Error"`
		} `json:"Response"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse recognition response: %w", err)
	}
	if parsed.Response.Error != nil {
		return "", fmt.Errorf("recognition failed: %s: %s", parsed.Response.Error.Code, parsed.Response.Error.Message)
	}

	return parsed.Response.Result, nil
}

// sign implements the TC3-HMAC-SHA256 scheme over the fixed
// content-type and host headers.
func (r *SentenceRecognizer) sign(host string, payload []byte, now time.Time) string {
	canonicalHeaders := "content-type:application/json; charset=utf-8\nhost:" + host + "\n"
	signedHeaders := "content-type;host"
	payloadHash := sha256Hex(payload)
	canonicalRequest := "POST\n/\n\n" + canonicalHeaders + "\n" + signedHeaders + "\n" + payloadHash

	date := now.Format("2006-01-02")
	scope := date + "/" + tencentService + "/tc3_request"
	stringToSign := "TC3-HMAC-SHA256\n" +
		strconv.FormatInt(now.Unix(), 10) + "\n" +
		scope + "\n" +
		sha256Hex([]byte(canonicalRequest))

	secretDate := hmacSHA256([]byte("TC3"+r.secretKey), date)
	secretService := hmacSHA256(secretDate, tencentService)
	secretSigning := hmacSHA256(secretService, "tc3_request")
	signature := hex.EncodeToString(hmacSHA256(secretSigning, stringToSign))

	return fmt.Sprintf("TC3-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		r.secretID, scope, signedHeaders, signature)
}

func hostOf(endpoint string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid recognition endpoint: %w", err)
	}
	return parsed.Host, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, message string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
