package security

import "testing"

func TestSanitizeCommand_RejectsMetacharacters(t *testing.T) {
	if _, err := SanitizeCommand("python server.py; rm -rf /", LevelStrict); err == nil {
		t.Error("expected rejection of command containing ;")
	}
	if _, err := SanitizeCommand("python $(cat /etc/passwd)", LevelStrict); err == nil {
		t.Error("expected rejection of command substitution")
	}
}

func TestSanitizeCommand_AllowsKnownExecutable(t *testing.T) {
	argv, err := SanitizeCommand("python3 -m myserver --port 8080", LevelStrict)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"python3", "-m", "myserver", "--port", "8080"}
	if len(argv) != len(want) {
		t.Fatalf("got %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("got %v, want %v", argv, want)
		}
	}
}

func TestSanitizeCommand_RejectsUnknownExecutable(t *testing.T) {
	if _, err := SanitizeCommand("nc -l 4444", LevelStrict); err == nil {
		t.Error("expected rejection of executable outside allowlist")
	}
}

func TestSanitizeCommand_HandlesQuotedArguments(t *testing.T) {
	argv, err := SanitizeCommand(`python3 -m "my server"`, LevelStrict)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(argv) != 3 || argv[2] != "my server" {
		t.Fatalf("got %v", argv)
	}
}

func TestValidateURL_RejectsPrivateIP(t *testing.T) {
	if err := ValidateURL("http://192.168.1.1:8080/mcp", ValidateURLOptions{}); err == nil {
		t.Error("expected rejection of private IP")
	}
}

func TestValidateURL_RejectsDangerousPort(t *testing.T) {
	if err := ValidateURL("https://example.com:3389/mcp", ValidateURLOptions{}); err == nil {
		t.Error("expected rejection of dangerous port")
	}
}

func TestValidateURL_AllowsPublicHTTPS(t *testing.T) {
	if err := ValidateURL("https://mcp.example.com/v1", ValidateURLOptions{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateURL_RejectsBadScheme(t *testing.T) {
	if err := ValidateURL("ftp://example.com/file", ValidateURLOptions{}); err == nil {
		t.Error("expected rejection of non-http(s) scheme")
	}
}

func TestValidateEnvironment_DropsDeniedKeys(t *testing.T) {
	env := map[string]string{"API_KEY": "abc", "PATH": "/usr/bin", "LD_LIBRARY_PATH": "/lib"}
	out, err := ValidateEnvironment(env, ValidateEnvironmentOptions{Level: LevelStrict})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := out["PATH"]; ok {
		t.Error("PATH should be dropped under strict level")
	}
	if _, ok := out["LD_LIBRARY_PATH"]; ok {
		t.Error("LD_LIBRARY_PATH should always be dropped")
	}
	if out["API_KEY"] != "abc" {
		t.Error("API_KEY should survive")
	}
}

func TestValidateEnvironment_RejectsDangerousValue(t *testing.T) {
	env := map[string]string{"CMD": "$(whoami)"}
	if _, err := ValidateEnvironment(env, ValidateEnvironmentOptions{}); err == nil {
		t.Error("expected rejection of command substitution in env value")
	}
}

func TestValidateEnvironment_AllowlistMode(t *testing.T) {
	env := map[string]string{"API_KEY": "abc", "SECRET": "xyz"}
	out, err := ValidateEnvironment(env, ValidateEnvironmentOptions{
		Mode: EnvModeAllowlist, AllowedVars: []string{"API_KEY"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out["API_KEY"] != "abc" {
		t.Fatalf("got %v", out)
	}
}

func TestSanitizeToolName_Namespaces(t *testing.T) {
	got, err := SanitizeToolName("read_file", "workspace_tools")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "mcp__workspace_tools__read_file" {
		t.Fatalf("got %q", got)
	}
}

func TestSanitizeToolName_RecoversDoublePrefix(t *testing.T) {
	got, err := SanitizeToolName("mcp__workspace_tools__read_file", "workspace_tools")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "mcp__workspace_tools__read_file" {
		t.Fatalf("got %q, expected no double-prefixing", got)
	}
}

func TestSanitizeToolName_RejectsReservedName(t *testing.T) {
	if _, err := SanitizeToolName("status", "workspace_tools"); err == nil {
		t.Error("expected rejection of reserved tool name")
	}
}

func TestValidateServerName_EnforcesPattern(t *testing.T) {
	if err := ValidateServerName("my-server_1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateServerName("bad name!"); err == nil {
		t.Error("expected rejection of invalid server name")
	}
}

func TestValidateToolArguments_RejectsExcessiveDepth(t *testing.T) {
	deep := map[string]any{}
	cur := deep
	for i := 0; i < 10; i++ {
		next := map[string]any{}
		cur["nested"] = next
		cur = next
	}
	if err := ValidateToolArguments(deep); err == nil {
		t.Error("expected rejection of excessive nesting")
	}
}

func TestValidateToolArguments_AcceptsReasonablePayload(t *testing.T) {
	args := map[string]any{"path": "foo.txt", "lines": []any{"a", "b"}}
	if err := ValidateToolArguments(args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateToolArguments_RejectsOversizedString(t *testing.T) {
	big := make([]byte, maxStringLength+1)
	for i := range big {
		big[i] = 'x'
	}
	args := map[string]any{"data": string(big)}
	if err := ValidateToolArguments(args); err == nil {
		t.Error("expected rejection of oversized string")
	}
}
