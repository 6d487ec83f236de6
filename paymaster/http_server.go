package paymaster

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaslessbase/gasless-relay/core/sponsorship"
	"github.com/gaslessbase/gasless-relay/model"
	"github.com/gaslessbase/gasless-relay/version"
)

type HttpJsonResp[T any] struct {
	Data T `json:"data"`
}

type httpServer struct {
	*echo.Echo
}

func newHttpServer(p *Paymaster) *httpServer {
	p.initSentry()
	return &httpServer{p.buildRoutes()}
}

func (p *Paymaster) initSentry() {
	if p.config.SentryDsn == "" {
		return
	}

	env := "production"
	if p.config.Environment == sdklogging.Development {
		env = "development"
	}

	release := fmt.Sprintf("%s@%s", version.Get(), version.Commit())

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              p.config.SentryDsn,
		Environment:      env,
		Release:          release,
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	}); err != nil {
		p.logger.Errorf("sentry initialization failed: %v", err)
	}
}

// buildRoutes wires the public and admin endpoints onto a fresh echo
// instance. It is separate from newHttpServer so tests can exercise the
// handlers without touching sentry.
func (p *Paymaster) buildRoutes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())

	// Register sentry before Recover so panics are reported
	if p.config.SentryDsn != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic:         true,
			WaitForDelivery: false,
		}))
	}

	e.Use(middleware.Recover())

	e.GET("/up", func(c echo.Context) error {
		if p.Status() == runningStatus {
			return c.String(http.StatusOK, "up")
		}

		return c.String(http.StatusServiceUnavailable, "pending...")
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})))

	e.GET("/quota", func(c echo.Context) error {
		return c.JSON(http.StatusOK, &HttpJsonResp[sponsorship.QuotaView]{
			Data: p.engine.View(),
		})
	})

	e.GET("/wallet/:owner", p.handleGetWallet)

	e.POST("/sponsorship/check", p.handleSponsorshipCheck)
	e.POST("/sponsorship/sponsor", p.handleSponsor, p.requireAdmin)
	e.POST("/sponsorship/charge", p.handleSponsorshipCharge, p.requireAdmin)

	admin := e.Group("/admin", p.requireAdmin)
	admin.POST("/limits", p.handleSetLimits)
	admin.POST("/whitelist/contract", p.handleSetContractWhitelist)
	admin.POST("/whitelist/user", p.handleSetUserWhitelist)
	admin.POST("/blacklist/user", p.handleSetUserBlacklist)
	admin.POST("/whitelist/enabled", p.handleSetUseWhitelist)
	admin.POST("/pause", p.handleSetPaused)
	admin.GET("/audit", p.handleAuditLog)

	return e
}

func (p *Paymaster) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ok, err := VerifyAdmin(c.Request().Header.Get(echo.HeaderAuthorization), p.config.AdminAddress)
		if err != nil || !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (p *Paymaster) handleGetWallet(c echo.Context) error {
	owner := c.Param("owner")
	if !common.IsHexAddress(owner) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid owner address"})
	}

	wallet, err := p.loadWallet(common.HexToAddress(owner))
	if err != nil {
		p.logger.Errorf("failed to derive smart wallet for %s: %v", owner, err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to derive smart wallet"})
	}

	return c.JSON(http.StatusOK, &HttpJsonResp[*model.SmartWallet]{
		Data: wallet,
	})
}

// loadWallet answers from storage when the owner has been seen before and
// derives plus records the pairing otherwise. Derivation is deterministic,
// so the stored record exists to make owner lookups enumerable, not to
// avoid recomputation.
func (p *Paymaster) loadWallet(owner common.Address) (*model.SmartWallet, error) {
	key := []byte(walletKey(owner))

	if p.db != nil {
		if raw, err := p.db.GetKey(key); err == nil {
			wallet := &model.SmartWallet{}
			if err := wallet.FromStorageData(raw); err == nil {
				return wallet, nil
			}
			p.logger.Errorf("corrupt wallet record for %s, rederiving", owner.Hex())
		}
	}

	user := &model.User{Address: owner}
	if err := user.LoadDefaultSmartWallet(); err != nil {
		return nil, err
	}
	wallet := user.ToSmartWallet()

	if p.db != nil {
		raw, err := wallet.ToJSON()
		if err == nil {
			err = p.db.Set(key, raw)
		}
		if err != nil {
			p.logger.Errorf("failed to record wallet for %s: %v", owner.Hex(), err)
		}
	}
	return wallet, nil
}

func walletKey(owner common.Address) string {
	return "wallet:" + strings.ToLower(owner.Hex())
}

type sponsorshipCheckRequest struct {
	User   string `json:"user"`
	Target string `json:"target"`
	Value  string `json:"value"`
}

type sponsorshipCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func (p *Paymaster) handleSponsorshipCheck(c echo.Context) error {
	var req sponsorshipCheckRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !common.IsHexAddress(req.User) || !common.IsHexAddress(req.Target) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid user or target address"})
	}
	value, err := parseWeiParam(req.Value)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	decision := p.engine.CanSponsor(common.HexToAddress(req.User), common.HexToAddress(req.Target), value)
	p.metrics.IncSponsorshipDecision(decision.Allowed, decision.Rule)

	resp := sponsorshipCheckResponse{Allowed: decision.Allowed}
	if !decision.Allowed {
		resp.Reason = string(decision.Rule)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSponsor decides and charges in one engine call. This is the path the
// relay takes when it commits to paying for an operation; check stays
// available for advisory queries that must not move counters.
func (p *Paymaster) handleSponsor(c echo.Context) error {
	var req sponsorshipCheckRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !common.IsHexAddress(req.User) || !common.IsHexAddress(req.Target) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid user or target address"})
	}
	value, err := parseWeiParam(req.Value)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	decision, err := p.engine.Sponsor(common.HexToAddress(req.User), common.HexToAddress(req.Target), value)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	p.metrics.IncSponsorshipDecision(decision.Allowed, decision.Rule)

	resp := sponsorshipCheckResponse{Allowed: decision.Allowed}
	if !decision.Allowed {
		resp.Reason = string(decision.Rule)
	}
	return c.JSON(http.StatusOK, resp)
}

type sponsorshipChargeRequest struct {
	User  string `json:"user"`
	Value string `json:"value"`
}

func (p *Paymaster) handleSponsorshipCharge(c echo.Context) error {
	var req sponsorshipChargeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !common.IsHexAddress(req.User) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid user address"})
	}
	value, err := parseWeiParam(req.Value)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := p.engine.ChargeSponsorship(common.HexToAddress(req.User), value); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type setLimitsRequest struct {
	Daily   string `json:"daily"`
	Monthly string `json:"monthly"`
	PerUser string `json:"perUser"`
}

func (p *Paymaster) handleSetLimits(c echo.Context) error {
	var req setLimitsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	parse := func(s string) (*big.Int, error) {
		if s == "" {
			return nil, nil
		}
		return parseWeiParam(s)
	}

	daily, err := parse(req.Daily)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	monthly, err := parse(req.Monthly)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	perUser, err := parse(req.PerUser)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	return p.runAdminOp(c, func() error {
		return p.engine.SetSpendingLimits(p.config.AdminAddress, daily, monthly, perUser)
	})
}

type addressFlagRequest struct {
	Address string `json:"address"`
	Value   bool   `json:"value"`
}

func (p *Paymaster) handleSetContractWhitelist(c echo.Context) error {
	return p.handleAddressFlag(c, p.engine.SetContractWhitelist)
}

func (p *Paymaster) handleSetUserWhitelist(c echo.Context) error {
	return p.handleAddressFlag(c, p.engine.SetUserWhitelist)
}

func (p *Paymaster) handleSetUserBlacklist(c echo.Context) error {
	return p.handleAddressFlag(c, p.engine.SetUserBlacklist)
}

func (p *Paymaster) handleAddressFlag(c echo.Context, apply func(caller, subject common.Address, value bool) error) error {
	var req addressFlagRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !common.IsHexAddress(req.Address) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid address"})
	}

	return p.runAdminOp(c, func() error {
		return apply(p.config.AdminAddress, common.HexToAddress(req.Address), req.Value)
	})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (p *Paymaster) handleSetUseWhitelist(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	return p.runAdminOp(c, func() error {
		return p.engine.SetUseWhitelist(p.config.AdminAddress, req.Enabled)
	})
}

func (p *Paymaster) handleSetPaused(c echo.Context) error {
	var req toggleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	return p.runAdminOp(c, func() error {
		return p.engine.SetPaused(p.config.AdminAddress, req.Enabled)
	})
}

func (p *Paymaster) handleAuditLog(c echo.Context) error {
	events, err := p.engine.AuditLog()
	if err != nil {
		p.logger.Errorf("failed to read audit log: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read audit log"})
	}

	return c.JSON(http.StatusOK, &HttpJsonResp[[]sponsorship.AuditEvent]{
		Data: events,
	})
}

func (p *Paymaster) runAdminOp(c echo.Context, op func() error) error {
	if err := op(); err != nil {
		if errors.Is(err, sponsorship.ErrUnauthorized) {
			return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func parseWeiParam(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(s, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("value must be a non-negative amount of wei in decimal")
	}
	return value, nil
}
