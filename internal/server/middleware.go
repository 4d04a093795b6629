package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	obscontext "github.com/smallbiznis/balancer/internal/observability/context"
)

const (
	HeaderOrg          = "X-Org-ID"
	HeaderEnvironment  = "X-Environment"
	defaultEnvironment = "live"
	contextScopeKey    = "balance_scope"
)

// scope is the org and environment every /v1 request operates in.
type scope struct {
	OrgID snowflake.ID
	Env   string
}

func (sc scope) customer(id snowflake.ID) ledgerdomain.CustomerKey {
	return ledgerdomain.CustomerKey{OrgID: sc.OrgID, Env: sc.Env, CustomerID: id}
}

// OrgContext resolves the org and environment from headers.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := snowflake.ParseString(strings.TrimSpace(c.GetHeader(HeaderOrg)))
		if err != nil || orgID == 0 {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		env := strings.TrimSpace(c.GetHeader(HeaderEnvironment))
		if env == "" {
			env = defaultEnvironment
		}

		c.Request = c.Request.WithContext(obscontext.WithOrgID(c.Request.Context(), orgID.String()))
		c.Set(contextScopeKey, scope{OrgID: orgID, Env: env})
		c.Next()
	}
}

func scopeFrom(c *gin.Context) scope {
	sc, _ := c.Get(contextScopeKey)
	v, _ := sc.(scope)
	return v
}
