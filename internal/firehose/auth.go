package firehose

import (
	"context"

	"github.com/behrlich/go-edl/internal/errs"
)

// VIP authentication for locked OPPO/Realme/OnePlus loaders. The flow runs
// before configure; individual NAKs along the way are expected on some
// loader builds and are only logged — the state is judged by whether the
// configure that follows ACKs.

// AuthBlobs carries the vendor-supplied authentication material. The
// payload formats are opaque to this client; only the protocol shape is
// known here.
type AuthBlobs struct {
	Digests   []byte // digest table blob, sent first
	Signature []byte // signature blob, sent after the verify ping
}

// AuthVIP runs the six-step VIP sequence:
// digest blob -> transfercfg -> verify ping -> signature blob ->
// sha256init -> (caller issues configure).
func (c *Client) AuthVIP(ctx context.Context, blobs AuthBlobs) error {
	if err := ctx.Err(); err != nil {
		return errs.New("auth_vip", errs.CodeCancelled, "cancelled")
	}
	if len(blobs.Digests) == 0 || len(blobs.Signature) == 0 {
		return errs.New("auth_vip", errs.CodeProtocolViolation, "missing auth material")
	}

	if err := c.ch.Write(blobs.Digests); err != nil {
		return errs.Wrap("auth_vip", err)
	}
	c.drainAuthStep("digest table")

	cfg := []attr{
		{"reboot_type", "off"},
		{"timeout_in_sec", "90"},
	}
	if err := c.send(buildRequest("transfercfg", cfg)); err != nil {
		return err
	}
	c.drainAuthStep("transfercfg")

	verify := []attr{
		{"value", "ping"},
		{"EnableVip", "1"},
	}
	if err := c.send(buildRequest("verify", verify)); err != nil {
		return err
	}
	c.drainAuthStep("verify")

	if err := c.ch.Write(blobs.Signature); err != nil {
		return errs.Wrap("auth_vip", err)
	}
	c.drainAuthStep("signature")

	if err := c.send(buildRequest("sha256init", []attr{{"Verbose", "1"}})); err != nil {
		return err
	}
	c.drainAuthStep("sha256init")

	c.logger.Info("VIP auth sequence sent; configure decides the outcome")
	return nil
}

// drainAuthStep consumes whatever response a VIP step produced. NAKs are
// logged, never fatal: some loaders NAK the steps they silently accept.
func (c *Client) drainAuthStep(step string) {
	resp, err := c.awaitResponse("auth_vip", 10)
	if err != nil {
		c.logger.Debug("auth step produced no response", "step", step)
		return
	}
	if resp.Ack {
		c.logger.Debug("auth step ACK", "step", step)
	} else {
		c.logger.Warn("auth step NAK (continuing)", "step", step, "raw", resp.Raw)
	}
}
