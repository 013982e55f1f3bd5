package payment

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/apierror"
)

const resultKey = "payment_result"

// Gate returns middleware that answers 402 until the request carries a
// verified payment for tier. With no merchant configured it only annotates
// the request.
func (v *Verifier) Gate(tierName string) gin.HandlerFunc {
	tier := v.Tier(tierName)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		res, err := v.Verify(ctx, c.Request, tier)
		if err != nil {
			apierror.Abort(c, http.StatusBadGateway, "upstream_unavailable",
				"Could not reach the chain to verify payment", fmt.Errorf("%s tier: %w", tier.Name, err))
			return
		}

		if res.Required && !res.Verified {
			writePaymentRequired(c, tier, res)
			return
		}

		c.Set(resultKey, res)
		c.Next()
	}
}

func writePaymentRequired(c *gin.Context, tier Tier, res *Result) {
	c.Header(HeaderAcceptPayment, tier.Token)
	c.Header(HeaderAmount, tier.Amount)
	c.Header(HeaderChain, tier.Chain)
	c.Header(HeaderTier, tier.Name)

	body := gin.H{
		"error":      "Payment required",
		"message":    fmt.Sprintf("This endpoint requires payment of %s %s", tier.Amount, tier.Token),
		"payment":    tier,
		"paymentUrl": res.PaymentURL,
	}
	if res.TransactionHash != "" && res.Reason != "" {
		body["reason"] = res.Reason
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, body)
}

// FromContext returns the gate's result for this request, or an unpaid
// result when the route is not gated.
func FromContext(c *gin.Context) *Result {
	if v, ok := c.Get(resultKey); ok {
		if res, ok := v.(*Result); ok {
			return res
		}
	}
	return &Result{}
}
