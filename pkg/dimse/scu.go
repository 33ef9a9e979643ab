package dimse

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/otcheredev/pacslink/pkg/dicomfile"
	"github.com/rs/zerolog/log"
)

// Target identifies the peer and AE titles of an outbound association.
type Target struct {
	Host       string
	Port       int
	UseTLS     bool
	CallingAET string
	CalledAET  string
}

// ClientConfig holds settings shared by every association a Client opens.
type ClientConfig struct {
	Timeout          time.Duration
	MaxPDULength     uint32
	TransferSyntaxes []string
	MaxOperations    int
	// TLSConfig is used for targets with UseTLS. When nil a default config
	// verifying the target host name is used.
	TLSConfig *tls.Config
}

// Client opens one association per Send call.
type Client struct {
	cfg ClientConfig
}

// NewClient creates an SCU client.
func NewClient(cfg ClientConfig) *Client {
	if len(cfg.TransferSyntaxes) == 0 {
		cfg.TransferSyntaxes = []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}
	}
	return &Client{cfg: cfg}
}

// Send opens an association to target, proposes one context per distinct
// abstract syntax among requests, sends them and waits for every response.
// Responses are returned in request order. The association is released
// after the last response and aborted on the first error.
func (c *Client) Send(ctx context.Context, target Target, requests ...Request) ([]Response, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	cfg := AssociationConfig{
		Host:             target.Host,
		Port:             target.Port,
		CallingAET:       target.CallingAET,
		CalledAET:        target.CalledAET,
		Timeout:          c.cfg.Timeout,
		MaxPDULength:     c.cfg.MaxPDULength,
		TransferSyntaxes: c.cfg.TransferSyntaxes,
		MaxOperations:    c.cfg.MaxOperations,
	}
	if target.UseTLS {
		cfg.TLSConfig = c.cfg.TLSConfig
		if cfg.TLSConfig == nil {
			cfg.TLSConfig = &tls.Config{ServerName: target.Host, MinVersion: tls.VersionTLS12}
		}
	}

	assoc := NewAssociation(cfg)
	if err := assoc.Connect(ctx, c.proposals(requests)); err != nil {
		return nil, err
	}

	responses := make([]Response, len(requests))
	handles := make([]<-chan Result, 0, len(requests))
	var failure error
	for _, req := range requests {
		ch, err := assoc.Submit(ctx, req)
		if err != nil {
			failure = err
			break
		}
		handles = append(handles, ch)
	}

	for i, ch := range handles {
		rsp, err := Await(ctx, ch)
		if err != nil {
			if failure == nil {
				failure = err
			}
			break
		}
		responses[i] = rsp
		operationsTotal.WithLabelValues("scu", operationName(requests[i]), rsp.Status.String()).Inc()
	}

	if failure != nil {
		assoc.Abort()
		return responses, failure
	}
	if err := assoc.Release(ctx); err != nil {
		log.Warn().Err(err).Str("association_id", assoc.ID()).Msg("Association release failed")
	}
	return responses, nil
}

// proposals groups requests by abstract syntax. Transfer syntaxes follow the
// local preference order, with syntaxes the requests need but the preference
// list lacks appended in request order.
func (c *Client) proposals(requests []Request) []Proposal {
	var out []Proposal
	needed := make(map[string][]string)
	for _, req := range requests {
		abstract := req.abstractSyntax()
		if _, ok := needed[abstract]; !ok {
			out = append(out, Proposal{AbstractSyntax: abstract})
			needed[abstract] = nil
		}
		if s, ok := req.(StoreRequest); ok && s.TransferSyntax != "" && !slices.Contains(needed[abstract], s.TransferSyntax) {
			needed[abstract] = append(needed[abstract], s.TransferSyntax)
		}
	}

	for i := range out {
		want := needed[out[i].AbstractSyntax]
		if len(want) == 0 {
			out[i].TransferSyntaxes = slices.Clone(c.cfg.TransferSyntaxes)
			continue
		}
		var ordered []string
		for _, ts := range c.cfg.TransferSyntaxes {
			if slices.Contains(want, ts) {
				ordered = append(ordered, ts)
			}
		}
		for _, ts := range want {
			if !slices.Contains(ordered, ts) {
				ordered = append(ordered, ts)
			}
		}
		out[i].TransferSyntaxes = ordered
	}
	return out
}

// SendInstance sends the Part 10 file at filePath with C-STORE and reports
// whether the peer answered Success. Every failure is logged and reported
// as false.
func (c *Client) SendInstance(ctx context.Context, filePath, host string, port int, useTLS bool, callingAET, calledAET string) bool {
	logger := log.With().
		Str("file", filePath).
		Str("host", host).
		Int("port", port).
		Str("calling_ae", callingAET).
		Str("called_ae", calledAET).
		Logger()

	start := time.Now()
	err := c.sendInstance(ctx, filePath, Target{
		Host:       host,
		Port:       port,
		UseTLS:     useTLS,
		CallingAET: callingAET,
		CalledAET:  calledAET,
	})
	if err != nil {
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("C-STORE send failed")
		return false
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("C-STORE send succeeded")
	return true
}

func (c *Client) sendInstance(ctx context.Context, filePath string, target Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while sending %s: %v", filePath, r)
		}
	}()

	req, err := LoadStoreRequest(filePath)
	if err != nil {
		return err
	}
	responses, err := c.Send(ctx, target, req)
	if err != nil {
		return err
	}
	if st := responses[0].Status; !st.IsSuccess() {
		return &StatusError{Operation: "C-STORE", Status: st, Comment: responses[0].ErrorComment}
	}
	return nil
}

// LoadStoreRequest reads a Part 10 file into a C-STORE request carrying its
// data set in the file's transfer syntax.
func LoadStoreRequest(filePath string) (StoreRequest, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return StoreRequest{}, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	meta, dataset, err := dicomfile.Split(data)
	if err != nil {
		return StoreRequest{}, fmt.Errorf("failed to read file meta of %s: %w", filePath, err)
	}

	req := StoreRequest{
		SOPClassUID:    meta.MediaStorageSOPClassUID,
		SOPInstanceUID: meta.MediaStorageSOPInstanceUID,
		TransferSyntax: meta.TransferSyntaxUID,
		Priority:       PriorityMedium,
		Dataset:        dataset,
	}
	if req.SOPClassUID == "" || req.SOPInstanceUID == "" {
		summary, err := dicomfile.Summarize(data)
		if err != nil {
			return StoreRequest{}, fmt.Errorf("failed to parse %s: %w", filePath, err)
		}
		if req.SOPClassUID == "" {
			req.SOPClassUID = summary.SOPClassUID
		}
		if req.SOPInstanceUID == "" {
			req.SOPInstanceUID = summary.SOPInstanceUID
		}
	}
	if req.SOPClassUID == "" || req.SOPInstanceUID == "" {
		return StoreRequest{}, fmt.Errorf("%s has no SOP class or SOP instance UID", filePath)
	}
	return req, nil
}
