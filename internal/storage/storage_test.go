package storage

import (
	"testing"
	"time"
)

func TestParseS3URI(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		wantBucket string
		wantKey    string
		wantErr    bool
	}{
		{
			name:       "simple",
			uri:        "s3://my-bucket/artifact.json",
			wantBucket: "my-bucket",
			wantKey:    "artifact.json",
		},
		{
			name:       "nested key",
			uri:        "s3://reports/server-1/scan-2.json",
			wantBucket: "reports",
			wantKey:    "server-1/scan-2.json",
		},
		{
			name:    "not s3",
			uri:     "https://example.com/artifact.json",
			wantErr: true,
		},
		{
			name:    "local path",
			uri:     "/var/lib/artifacts/flashpoint.json",
			wantErr: true,
		},
		{
			name:    "missing key",
			uri:     "s3://bucket-only",
			wantErr: true,
		},
		{
			name:    "empty bucket",
			uri:     "s3:///key",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseS3URI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseS3URI(%q) expected error, got %q/%q", tt.uri, bucket, key)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseS3URI(%q) unexpected error: %v", tt.uri, err)
			}
			if bucket != tt.wantBucket || key != tt.wantKey {
				t.Errorf("ParseS3URI(%q) = %q/%q, want %q/%q", tt.uri, bucket, key, tt.wantBucket, tt.wantKey)
			}
		})
	}
}

func TestReportKey(t *testing.T) {
	at := time.Date(2026, 2, 14, 9, 30, 15, 0, time.UTC)
	got := ReportKey("srv-1", "scan-7", at)
	want := "srv-1/scan-7-2026-02-14T09-30-15Z.json"
	if got != want {
		t.Errorf("ReportKey() = %q, want %q", got, want)
	}
}

func TestReportKeyNormalizesZone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	at := time.Date(2026, 2, 14, 11, 30, 15, 0, loc)
	got := ReportKey("srv-1", "scan-7", at)
	want := "srv-1/scan-7-2026-02-14T09-30-15Z.json"
	if got != want {
		t.Errorf("ReportKey() = %q, want %q", got, want)
	}
}

func TestConfigEnabled(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{
			name:     "endpoint without bucket",
			config:   Config{Endpoint: "http://localhost:9000"},
			expected: false,
		},
		{
			name:     "bucket set",
			config:   Config{ReportBucket: "scan-reports"},
			expected: true,
		},
		{
			name: "full minio config",
			config: Config{
				Endpoint:     "http://localhost:9000",
				AccessKey:    "minioadmin",
				SecretKey:    "minioadmin",
				Region:       "us-east-1",
				ReportBucket: "scan-reports",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.Enabled(); got != tt.expected {
				t.Errorf("Config.Enabled() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestServiceEnabled(t *testing.T) {
	s := Service{}
	if s.Enabled() {
		t.Error("Service without client must report disabled")
	}
}
