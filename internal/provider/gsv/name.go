package gsv

// Name identifies this provider for checkpoint directory naming, CLI
// selection, and logging.
func (c *Client) Name() string { return "gsv" }
