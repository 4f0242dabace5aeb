package protocol

import (
	"bytes"
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	var req ConnectRequest
	req.ClientID = 7
	req.Source.Set("system:capture_1")
	req.Dest.Set("pass:in")
	if err := WriteRequest(&buf, ReqConnectPorts, &req); err != nil {
		t.Fatalf("write: %v", err)
	}

	hdr, err := ReadRequestHeader(&buf)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if hdr.Type != ReqConnectPorts {
		t.Fatalf("type: got %v", hdr.Type)
	}
	var got ConnectRequest
	if err := ReadBody(&buf, hdr.Size, &got); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if got.ClientID != 7 || got.Source.String() != "system:capture_1" || got.Dest.String() != "pass:in" {
		t.Fatalf("body wrong: %d %q %q", got.ClientID, got.Source.String(), got.Dest.String())
	}
}

func TestRequestWithoutBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRequest(&buf, ReqTransportStart, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	hdr, err := ReadRequestHeader(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if hdr.Type != ReqTransportStart || hdr.Size != 0 {
		t.Fatalf("header wrong: %+v", hdr)
	}
}

func TestReplyCarriesStatusAndErrno(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, StatusFailure|StatusNameNotUnique, 17, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	hdr, err := ReadReply(&buf, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if hdr.Status != StatusFailure|StatusNameNotUnique || hdr.Errno != 17 {
		t.Fatalf("reply wrong: %+v", hdr)
	}
}

func TestReplyBodySizeMismatchRejected(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteReply(&buf, 0, 0, &PortRegisterReply{PortID: 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var wrong ClientOpenReply
	if _, err := ReadReply(&buf, &wrong); err == nil {
		t.Fatal("size mismatch should be rejected")
	}
}

func TestEventRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ev := Event{Type: EvtPortRename, X: 12}
	ev.Name.Set("old:name")
	ev.Name2.Set("new:name")
	if err := WriteEvent(&buf, &ev); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != EventSize {
		t.Fatalf("event size: got %d, want %d", buf.Len(), EventSize)
	}
	got, err := ReadEvent(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != EvtPortRename || got.X != 12 || got.Name.String() != "old:name" || got.Name2.String() != "new:name" {
		t.Fatalf("event wrong: %+v", got)
	}
}

func TestOpenOptionsValidation(t *testing.T) {
	if !ValidOpenOptions(NoStartServer | UseExactName | SessionID) {
		t.Fatal("known options rejected")
	}
	if ValidOpenOptions(Options(0x8000)) {
		t.Fatal("unknown option accepted")
	}
}

func TestNameTruncationIsNulTerminated(t *testing.T) {
	var n ClientName
	long := make([]byte, 2*ClientNameSize)
	for i := range long {
		long[i] = 'x'
	}
	n.Set(string(long))
	// Set keeps the last byte for the NUL, so at most ClientNameSize-1
	// characters survive.
	if n[ClientNameSize-1] != 0 {
		t.Fatal("truncated name is not NUL-terminated")
	}
	if len(n.String()) != ClientNameSize-1 {
		t.Fatalf("name readback length: got %d, want %d", len(n.String()), ClientNameSize-1)
	}
}
