package telephony

import (
	"strings"
	"testing"
)

func TestRenderStreamTwiML(t *testing.T) {
	xml, err := RenderStreamTwiML("wss://bridge.example.com/media-stream", map[string]string{
		"peerNumber":   "+15551234",
		"originNumber": "+15550000",
		"empty":        "",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{
		"<Connect>",
		`<Stream url="wss://bridge.example.com/media-stream">`,
		`<Parameter name="originNumber" value="+15550000"></Parameter>`,
		`<Parameter name="peerNumber" value="+15551234"></Parameter>`,
	} {
		if !strings.Contains(xml, want) {
			t.Fatalf("expected %q in xml: %s", want, xml)
		}
	}
	if strings.Contains(xml, `name="empty"`) {
		t.Fatalf("empty parameters must be skipped: %s", xml)
	}
	if strings.Index(xml, "originNumber") > strings.Index(xml, "peerNumber") {
		t.Fatalf("parameters must be sorted: %s", xml)
	}
}

func TestRenderStreamTwiMLRequiresWebsocketURL(t *testing.T) {
	if _, err := RenderStreamTwiML("", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := RenderStreamTwiML("https://bridge.example.com/media-stream", nil); err == nil {
		t.Fatalf("expected error for http url")
	}
}

func TestRenderRejectTwiML(t *testing.T) {
	xml, err := RenderRejectTwiML("busy")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if want := `<Reject reason="busy">`; !strings.Contains(xml, want) {
		t.Fatalf("expected %q in xml: %s", want, xml)
	}
}
