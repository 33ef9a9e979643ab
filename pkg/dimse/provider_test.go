package dimse

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/otcheredev/pacslink/internal/storage"
	"github.com/otcheredev/pacslink/pkg/dicomfile"
)

const testAETitle = "ANYSCP"

type fakeStorer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *fakeStorer) Store(_ context.Context, _, _ string, payload io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	io.Copy(io.Discard, payload)
	return s.err
}

func (s *fakeStorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []Event
}

func (a *recordingAuditor) Record(_ context.Context, ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) kinds() []EventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]EventKind, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.Kind
	}
	return out
}

// explicitElement encodes one short-form Explicit VR Little Endian element.
func explicitElement(group, elem uint16, vr, value string) []byte {
	v := []byte(value)
	if len(v)%2 == 1 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0
		}
		v = append(v, pad)
	}
	b := binary.LittleEndian.AppendUint16(nil, group)
	b = binary.LittleEndian.AppendUint16(b, elem)
	b = append(b, vr...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(v)))
	return append(b, v...)
}

func testDataset(sopClass, sopInstance, study string) []byte {
	var b []byte
	b = append(b, explicitElement(0x0008, 0x0016, "UI", sopClass)...)
	b = append(b, explicitElement(0x0008, 0x0018, "UI", sopInstance)...)
	b = append(b, explicitElement(0x0010, 0x0010, "PN", "Doe^Jane")...)
	b = append(b, explicitElement(0x0020, 0x000D, "UI", study)...)
	return b
}

// implicitDataset is testDataset in Implicit VR with the given byte order.
func implicitDataset(order binary.AppendByteOrder, sopClass, sopInstance, study string) []byte {
	element := func(group, elem uint16, value string) []byte {
		v := []byte(value)
		if len(v)%2 == 1 {
			v = append(v, 0)
		}
		b := order.AppendUint16(nil, group)
		b = order.AppendUint16(b, elem)
		b = order.AppendUint32(b, uint32(len(v)))
		return append(b, v...)
	}
	var b []byte
	b = append(b, element(0x0008, 0x0016, sopClass)...)
	b = append(b, element(0x0008, 0x0018, sopInstance)...)
	b = append(b, element(0x0010, 0x0010, "Doe^Jane")...)
	b = append(b, element(0x0020, 0x000D, study)...)
	return b
}

func providerConfig(storer Storer, auditor Auditor) ProviderConfig {
	return ProviderConfig{
		Negotiator:   NewNegotiator(testAETitle, DefaultStorageRegistry()),
		Storer:       storer,
		Auditor:      auditor,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// startServer serves cfg on a loopback port until the test ends.
func startServer(t *testing.T, cfg ProviderConfig) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ServerConfig{Provider: cfg})
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().(*net.TCPAddr).Port
}

type providerResult struct {
	err   error
	state State
}

// startProvider accepts a single connection and runs a Provider on it.
func startProvider(t *testing.T, ctx context.Context, cfg ProviderConfig) (int, <-chan providerResult) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	out := make(chan providerResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			out <- providerResult{err: err}
			return
		}
		p := NewProvider(conn, cfg)
		err = p.Run(ctx)
		out <- providerResult{err: err, state: p.State()}
	}()
	return ln.Addr().(*net.TCPAddr).Port, out
}

func waitProvider(t *testing.T, ch <-chan providerResult) providerResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("provider did not finish")
		return providerResult{}
	}
}

func testAssociation(port int, called string) *Association {
	return NewAssociation(AssociationConfig{
		Host:       "127.0.0.1",
		Port:       port,
		CallingAET: "MODALITY_SCU",
		CalledAET:  called,
		Timeout:    5 * time.Second,
	})
}

func testClient() *Client {
	return NewClient(ClientConfig{Timeout: 5 * time.Second})
}

func testTarget(port int, called string) Target {
	return Target{Host: "127.0.0.1", Port: port, CallingAET: "MODALITY_SCU", CalledAET: called}
}

func TestEchoLeavesStorageUntouched(t *testing.T) {
	root := t.TempDir()
	port := startServer(t, providerConfig(storage.NewWriter(root), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, syntax := range []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian} {
		t.Run(syntax, func(t *testing.T) {
			c := NewClient(ClientConfig{Timeout: 5 * time.Second, TransferSyntaxes: []string{syntax}})
			if err := c.Echo(ctx, testTarget(port, testAETitle)); err != nil {
				t.Fatalf("Echo() error = %v", err)
			}
		})
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("storage root has %d entries after echo, want 0", len(entries))
	}
}

func TestWrongCalledAETitleIsRejected(t *testing.T) {
	storer := &fakeStorer{}
	auditor := &recordingAuditor{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port, result := startProvider(t, ctx, providerConfig(storer, auditor))

	assoc := testAssociation(port, "WRONG")
	err := assoc.Connect(ctx, []Proposal{{AbstractSyntax: ctImageStorage, TransferSyntaxes: []string{ImplicitVRLittleEndian}}})

	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) {
		t.Fatalf("Connect() error = %v, want *RejectError", err)
	}
	if rejectErr.Result != RejectPermanent || rejectErr.Source != SourceServiceUser || rejectErr.Reason != ReasonCalledAETitleNotRecognized {
		t.Errorf("reject = %+v", rejectErr)
	}
	if !errors.Is(err, ErrAssociationRejected) {
		t.Error("RejectError should match ErrAssociationRejected")
	}

	r := waitProvider(t, result)
	if !errors.Is(r.err, ErrAssociationRejected) {
		t.Errorf("provider error = %v, want rejection", r.err)
	}
	if storer.Calls() != 0 {
		t.Errorf("Store called %d times", storer.Calls())
	}
	if kinds := auditor.kinds(); len(kinds) != 1 || kinds[0] != EventAssociationRejected {
		t.Errorf("audit events = %v", kinds)
	}
}

func TestStoreWritesPart10File(t *testing.T) {
	root := t.TempDir()
	auditor := &recordingAuditor{}
	port := startServer(t, providerConfig(storage.NewWriter(root), auditor))

	dataset := testDataset(ctImageStorage, "9.9.9", "1.2.3")
	req := StoreRequest{
		SOPClassUID:    ctImageStorage,
		SOPInstanceUID: "9.9.9",
		TransferSyntax: ExplicitVRLittleEndian,
		Dataset:        dataset,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	responses, err := testClient().Send(ctx, testTarget(port, testAETitle), req)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(responses) != 1 || !responses[0].Status.IsSuccess() {
		t.Fatalf("responses = %+v", responses)
	}
	if responses[0].SOPInstanceUID != "9.9.9" || responses[0].CommandField != CStoreRSP {
		t.Errorf("response = %+v", responses[0])
	}

	got, err := os.ReadFile(filepath.Join(root, "1.2.3", "9.9.9.dcm"))
	if err != nil {
		t.Fatalf("reading stored instance: %v", err)
	}
	want := dicomfile.Wrap(dicomfile.Meta{
		MediaStorageSOPClassUID:    ctImageStorage,
		MediaStorageSOPInstanceUID: "9.9.9",
		TransferSyntaxUID:          ExplicitVRLittleEndian,
		ImplementationClassUID:     ImplementationClassUID,
		ImplementationVersionName:  ImplementationVersionName,
		SourceAETitle:              "MODALITY_SCU",
	}, dataset)
	if !bytes.Equal(got, want) {
		t.Errorf("stored file differs from Part 10 wrap of the received data set (%d vs %d bytes)", len(got), len(want))
	}

	meta, body, err := dicomfile.Split(got)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if meta.SourceAETitle != "MODALITY_SCU" || !bytes.Equal(body, dataset) {
		t.Errorf("meta = %+v", meta)
	}
}

func TestStoreOnEveryRegistrySyntax(t *testing.T) {
	root := t.TempDir()
	port := startServer(t, providerConfig(storage.NewWriter(root), nil))

	for i, syntax := range DefaultStorageRegistry().UIDs() {
		t.Run(syntax, func(t *testing.T) {
			sop := "7.7." + strconv.Itoa(i)
			var dataset []byte
			switch syntax {
			case ImplicitVRLittleEndian:
				dataset = implicitDataset(binary.LittleEndian, ctImageStorage, sop, "1.2.3")
			case ImplicitVRBigEndian:
				dataset = implicitDataset(binary.BigEndian, ctImageStorage, sop, "1.2.3")
			default:
				dataset = testDataset(ctImageStorage, sop, "1.2.3")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c := NewClient(ClientConfig{Timeout: 5 * time.Second})
			responses, err := c.Send(ctx, testTarget(port, testAETitle), StoreRequest{
				SOPClassUID:    ctImageStorage,
				SOPInstanceUID: sop,
				TransferSyntax: syntax,
				Dataset:        dataset,
			})
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if !responses[0].Status.IsSuccess() {
				t.Fatalf("status = %s (%s)", responses[0].Status, responses[0].ErrorComment)
			}

			got, err := os.ReadFile(filepath.Join(root, "1.2.3", sop+".dcm"))
			if err != nil {
				t.Fatalf("reading stored instance: %v", err)
			}
			meta, body, err := dicomfile.Split(got)
			if err != nil {
				t.Fatalf("Split() error = %v", err)
			}
			if meta.TransferSyntaxUID != syntax || !bytes.Equal(body, dataset) {
				t.Errorf("stored meta = %+v", meta)
			}
		})
	}
}

func TestStoreUnreadableDatasetGetsFailureStatus(t *testing.T) {
	root := t.TempDir()
	port := startServer(t, providerConfig(storage.NewWriter(root), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	responses, err := testClient().Send(ctx, testTarget(port, testAETitle),
		StoreRequest{
			SOPClassUID:    ctImageStorage,
			SOPInstanceUID: "8.8.8",
			TransferSyntax: ImplicitVRBigEndian,
			Dataset:        []byte{0x00, 0x08, 0x00},
		},
		EchoRequest{},
	)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if responses[0].Status != StatusProcessingFailure {
		t.Errorf("status = %s, want processing-failure", responses[0].Status)
	}
	if !responses[1].Status.IsSuccess() {
		t.Errorf("echo after failed store: status %s", responses[1].Status)
	}
	if entries, _ := os.ReadDir(root); len(entries) != 0 {
		t.Errorf("storage root has %d entries, want 0", len(entries))
	}
}

func TestStoreFailureReturnsProcessingFailure(t *testing.T) {
	storer := &fakeStorer{err: errors.New("disk full")}
	port := startServer(t, providerConfig(storer, nil))

	req := StoreRequest{
		SOPClassUID:    ctImageStorage,
		SOPInstanceUID: "9.9.9",
		TransferSyntax: ExplicitVRLittleEndian,
		Dataset:        testDataset(ctImageStorage, "9.9.9", "1.2.3"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	responses, err := testClient().Send(ctx, testTarget(port, testAETitle), req)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if responses[0].Status != StatusProcessingFailure {
		t.Errorf("status = %s, want processing-failure", responses[0].Status)
	}
	if responses[0].ErrorComment == "" {
		t.Error("failure response has no error comment")
	}
	if storer.Calls() != 1 {
		t.Errorf("Store called %d times, want 1", storer.Calls())
	}
}

func TestUnsupportedOperation(t *testing.T) {
	storer := &fakeStorer{}
	port := startServer(t, providerConfig(storer, nil))

	const (
		cFindRQ   uint16 = 0x0020
		findModel        = "1.2.840.10008.5.1.4.1.2.2.1"
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	responses, err := testClient().Send(ctx, testTarget(port, testAETitle),
		UnsupportedRequest{CommandField: cFindRQ, SOPClassUID: findModel},
		EchoRequest{},
	)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if responses[0].Status != StatusUnrecognizedOperation {
		t.Errorf("C-FIND status = %s, want unrecognized-operation", responses[0].Status)
	}
	if responses[0].CommandField != cFindRQ|responseBit {
		t.Errorf("command field = 0x%04x", responses[0].CommandField)
	}
	if !responses[1].Status.IsSuccess() {
		t.Errorf("echo after unsupported request: status %s", responses[1].Status)
	}
	if storer.Calls() != 0 {
		t.Errorf("Store called %d times", storer.Calls())
	}
}

func TestCancelAndStrayResponsesGetNoReply(t *testing.T) {
	auditor := &recordingAuditor{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port, result := startProvider(t, ctx, providerConfig(&fakeStorer{}, auditor))

	assoc := NewAssociation(AssociationConfig{
		Host:          "127.0.0.1",
		Port:          port,
		CallingAET:    "MODALITY_SCU",
		CalledAET:     testAETitle,
		Timeout:       5 * time.Second,
		MaxOperations: 3,
	})
	if err := assoc.Connect(ctx, []Proposal{{AbstractSyntax: VerificationSOPClass, TransferSyntaxes: []string{ImplicitVRLittleEndian}}}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	cancelled, err := assoc.Submit(ctx, UnsupportedRequest{CommandField: CCancelRQ, SOPClassUID: VerificationSOPClass})
	if err != nil {
		t.Fatalf("Submit(C-CANCEL) error = %v", err)
	}
	stray, err := assoc.Submit(ctx, UnsupportedRequest{CommandField: CEchoRSP, SOPClassUID: VerificationSOPClass})
	if err != nil {
		t.Fatalf("Submit(response) error = %v", err)
	}
	echo, err := assoc.Submit(ctx, EchoRequest{})
	if err != nil {
		t.Fatalf("Submit(C-ECHO) error = %v", err)
	}

	rsp, err := Await(ctx, echo)
	if err != nil {
		t.Fatalf("Await(C-ECHO) error = %v", err)
	}
	if rsp.MessageID != 3 || !rsp.Status.IsSuccess() || rsp.CommandField != CEchoRSP {
		t.Errorf("echo response = %+v", rsp)
	}
	// Responses arrive in order, so anything sent for the first two would
	// already be here.
	for name, ch := range map[string]<-chan Result{"C-CANCEL": cancelled, "response": stray} {
		select {
		case r := <-ch:
			t.Errorf("%s was answered: %+v", name, r)
		default:
		}
	}

	assoc.Abort()
	waitProvider(t, result)
	if kinds := auditor.kinds(); len(kinds) < 2 || kinds[1] != EventEcho {
		t.Errorf("audit events = %v", kinds)
	}
}

func TestOversizedMessageAborts(t *testing.T) {
	storer := &fakeStorer{}
	cfg := providerConfig(storer, nil)
	cfg.MaxMessageLength = 4096
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port, result := startProvider(t, ctx, cfg)

	assoc := testAssociation(port, testAETitle)
	if err := assoc.Connect(ctx, []Proposal{{AbstractSyntax: ctImageStorage, TransferSyntaxes: []string{ExplicitVRLittleEndian}}}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer assoc.Abort()

	req := StoreRequest{
		SOPClassUID:    ctImageStorage,
		SOPInstanceUID: "9.9.9",
		TransferSyntax: ExplicitVRLittleEndian,
		Dataset:        bytes.Repeat([]byte{0x01}, 64<<10),
	}
	if ch, err := assoc.Submit(ctx, req); err == nil {
		if _, err := Await(ctx, ch); err == nil {
			t.Error("oversized C-STORE got a response")
		}
	}

	r := waitProvider(t, result)
	if !errors.Is(r.err, ErrMessageTooLarge) || r.state != StateAborted {
		t.Errorf("provider finished with %v in state %s", r.err, r.state)
	}
	if storer.Calls() != 0 {
		t.Errorf("Store called %d times", storer.Calls())
	}
}

func TestProviderLifecycle(t *testing.T) {
	echo := []Proposal{{AbstractSyntax: VerificationSOPClass, TransferSyntaxes: []string{ImplicitVRLittleEndian}}}

	t.Run("release", func(t *testing.T) {
		auditor := &recordingAuditor{}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		port, result := startProvider(t, ctx, providerConfig(&fakeStorer{}, auditor))

		assoc := testAssociation(port, testAETitle)
		if err := assoc.Connect(ctx, echo); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if err := assoc.CEcho(ctx); err != nil {
			t.Fatalf("CEcho() error = %v", err)
		}
		if err := assoc.Release(ctx); err != nil {
			t.Fatalf("Release() error = %v", err)
		}

		r := waitProvider(t, result)
		if r.err != nil || r.state != StateReleased {
			t.Errorf("provider finished with %v in state %s", r.err, r.state)
		}
		want := []EventKind{EventAssociationAccepted, EventEcho, EventAssociationReleased}
		if got := auditor.kinds(); len(got) != len(want) || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
			t.Errorf("audit events = %v, want %v", got, want)
		}
	})

	t.Run("peer abort", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		port, result := startProvider(t, ctx, providerConfig(&fakeStorer{}, nil))

		assoc := testAssociation(port, testAETitle)
		if err := assoc.Connect(ctx, echo); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		assoc.Abort()

		r := waitProvider(t, result)
		var abortErr *AbortError
		if !errors.As(r.err, &abortErr) {
			t.Errorf("provider error = %v, want *AbortError", r.err)
		}
		if r.state != StateAborted {
			t.Errorf("state = %s, want aborted", r.state)
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		port, result := startProvider(t, ctx, providerConfig(&fakeStorer{}, nil))

		assoc := testAssociation(port, testAETitle)
		if err := assoc.Connect(ctx, echo); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		defer assoc.Close()
		cancel()

		r := waitProvider(t, result)
		if r.err == nil || r.state != StateAborted {
			t.Errorf("provider finished with %v in state %s", r.err, r.state)
		}
	})

	t.Run("unusable max pdu", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		port, result := startProvider(t, ctx, providerConfig(&fakeStorer{}, nil))

		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		rq := &Associate{
			CalledAETitle:        testAETitle,
			CallingAETitle:       "MODALITY_SCU",
			ApplicationContext:   ApplicationContextUID,
			PresentationContexts: []PresentationContext{{ID: 1, AbstractSyntax: VerificationSOPClass, TransferSyntaxes: []string{ImplicitVRLittleEndian}}},
			MaxPDULength:         4,
		}
		if err := writePDU(conn, pduAssociateRQ, encodeAssociate(pduAssociateRQ, rq)); err != nil {
			t.Fatal(err)
		}

		raw, err := readPDU(conn)
		if err != nil {
			t.Fatalf("readPDU() error = %v", err)
		}
		if raw.Type != pduAbort {
			t.Fatalf("PDU type = 0x%02x, want A-ABORT", raw.Type)
		}
		if abort := decodeAbort(raw.Data); abort.Reason != AbortReasonInvalidParameter {
			t.Errorf("abort reason = %d", abort.Reason)
		}
		if r := waitProvider(t, result); r.state != StateAborted {
			t.Errorf("state = %s, want aborted", r.state)
		}
	})

	t.Run("data before association", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		port, result := startProvider(t, ctx, providerConfig(&fakeStorer{}, nil))

		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		if err := writePDU(conn, pduPDataTF, encodePDV(1, true, true, nil)); err != nil {
			t.Fatal(err)
		}

		raw, err := readPDU(conn)
		if err != nil {
			t.Fatalf("readPDU() error = %v", err)
		}
		if raw.Type != pduAbort {
			t.Fatalf("PDU type = 0x%02x, want A-ABORT", raw.Type)
		}
		if abort := decodeAbort(raw.Data); abort.Reason != AbortReasonUnexpectedPDU {
			t.Errorf("abort reason = %d", abort.Reason)
		}
		if r := waitProvider(t, result); r.state != StateAborted {
			t.Errorf("state = %s, want aborted", r.state)
		}
	})
}
