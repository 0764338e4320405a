package security

import (
	"errors"
	"net"
	"testing"
)

func noLookup(string) ([]net.IP, error) {
	return nil, errors.New("no network in tests")
}

func TestURLValidator_Validate(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		strict  bool
		wantErr error
	}{
		{
			name:    "valid OpenAI blob URL",
			url:     "https://oaidalleapiprodscus.blob.core.windows.net/image.png",
			strict:  true,
			wantErr: nil,
		},
		{
			name:    "valid xAI image URL",
			url:     "https://imgen.x.ai/xai-imgen/1.jpg",
			strict:  true,
			wantErr: nil,
		},
		{
			name:    "other HTTPS URL in non-strict mode",
			url:     "https://example.com/image.png",
			strict:  false,
			wantErr: nil,
		},
		{
			name:    "untrusted host in strict mode",
			url:     "https://example.com/image.png",
			strict:  true,
			wantErr: ErrUntrustedHost,
		},
		{
			name:    "HTTP URL rejected",
			url:     "http://oaidalleapiprodscus.blob.core.windows.net/image.png",
			strict:  false,
			wantErr: ErrInvalidScheme,
		},
		{
			name:    "127.0.0.1 rejected",
			url:     "https://127.0.0.1/image.png",
			strict:  false,
			wantErr: ErrPrivateIP,
		},
		{
			name:    "private IP 10.x rejected",
			url:     "https://10.0.0.1/image.png",
			strict:  false,
			wantErr: ErrPrivateIP,
		},
		{
			name:    "link-local metadata address rejected",
			url:     "https://169.254.169.254/image.png",
			strict:  false,
			wantErr: ErrPrivateIP,
		},
		{
			name:    "IPv6 loopback rejected",
			url:     "https://[::1]/image.png",
			strict:  false,
			wantErr: ErrPrivateIP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewURLValidator(tt.strict)
			v.LookupIP = noLookup

			err := v.Validate(tt.url)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Validate() error = %v, wantErr nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestURLValidator_ResolvedPrivateHost(t *testing.T) {
	v := NewURLValidator(false)
	v.LookupIP = func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("8.8.8.8"), net.ParseIP("192.168.1.10")}, nil
	}

	if err := v.Validate("https://rebind.example/image.png"); !errors.Is(err, ErrPrivateIP) {
		t.Errorf("Validate() error = %v, want ErrPrivateIP", err)
	}
}

func TestURLValidator_CustomHosts(t *testing.T) {
	v := NewURLValidator(true, "cdn.example.com")
	v.LookupIP = noLookup

	if err := v.Validate("https://img.cdn.example.com/a.png"); err != nil {
		t.Errorf("Validate(subdomain) error = %v", err)
	}
	if err := v.Validate("https://oaidalleapiprodscus.blob.core.windows.net/a.png"); !errors.Is(err, ErrUntrustedHost) {
		t.Errorf("Validate(default host) error = %v, want ErrUntrustedHost", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"192.168.0.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"100.64.0.1", true},
		{"192.0.2.1", true},
		{"198.51.100.1", true},
		{"203.0.113.1", true},
		{"224.0.0.1", true},
		{"240.0.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"20.150.38.228", false},
		{"::1", true},
		{"fe80::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("Failed to parse IP: %s", tt.ip)
			}
			if got := isPrivateIP(ip); got != tt.private {
				t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.private)
			}
		})
	}
}
