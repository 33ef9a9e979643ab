package dimse

import (
	"context"
	"fmt"
)

// CEcho performs a C-ECHO on the established association.
func (a *Association) CEcho(ctx context.Context) error {
	ch, err := a.Submit(ctx, EchoRequest{})
	if err != nil {
		return fmt.Errorf("failed to send C-ECHO request: %w", err)
	}
	rsp, err := Await(ctx, ch)
	if err != nil {
		return fmt.Errorf("failed to receive C-ECHO response: %w", err)
	}
	if !rsp.Status.IsSuccess() {
		return &StatusError{Operation: "C-ECHO", Status: rsp.Status, Comment: rsp.ErrorComment}
	}
	return nil
}

// Echo opens an association to target, performs a C-ECHO and releases it.
func (c *Client) Echo(ctx context.Context, target Target) error {
	responses, err := c.Send(ctx, target, EchoRequest{})
	if err != nil {
		return err
	}
	if st := responses[0].Status; !st.IsSuccess() {
		return &StatusError{Operation: "C-ECHO", Status: st, Comment: responses[0].ErrorComment}
	}
	return nil
}
