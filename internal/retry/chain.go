package retry

// Chain evaluates policies in order. The first decision other than NoRetry
// wins; when every policy declines, the error propagates.
type Chain struct {
	policies []Policy
}

// NewChain creates a chain. Nil policies are skipped.
func NewChain(policies ...Policy) *Chain {
	c := &Chain{}
	for _, p := range policies {
		if p != nil {
			c.policies = append(c.policies, p)
		}
	}
	return c
}

// Evaluate returns the winning decision and the name of the policy that made
// it. The name is empty when no policy retries.
func (c *Chain) Evaluate(err error, rc *RequestContext) (Decision, string) {
	if err == nil {
		return NoRetry, ""
	}
	for _, p := range c.policies {
		d := p.ShouldRetry(err, rc)
		if d.ShouldRetry() {
			name := PolicyName(p)
			if rc != nil {
				rc.Record(name, d, err)
			}
			return d, name
		}
	}
	if rc != nil {
		rc.Record("chain", NoRetry, err)
	}
	return NoRetry, ""
}

// ShouldRetry implements Policy so chains can nest.
func (c *Chain) ShouldRetry(err error, rc *RequestContext) Decision {
	d, _ := c.Evaluate(err, rc)
	return d
}

// RetryContext collects the non-nil diagnostic contexts of the chain's
// policies, or nil when there are none.
func (c *Chain) RetryContext() any {
	var out []any
	for _, p := range c.policies {
		if v := p.RetryContext(); v != nil {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Chain) Name() string { return "chain" }

// Len returns the number of policies.
func (c *Chain) Len() int { return len(c.policies) }
