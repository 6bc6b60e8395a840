package auth

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
	"github.com/google/uuid"
)

// RegisterAuthRoutes mounts the lifecycle endpoints on app
func RegisterAuthRoutes(app fiber.Router, opts ...AuthControllerOption) *AuthController {
	controller := NewAuthController(opts...)

	group := app.Group(controller.Routes.Prefix, RequestMetaMiddleware())
	group.Post(controller.Routes.Login, controller.LoginPost).Name("auth.login")
	group.Post(controller.Routes.Refresh, controller.RefreshPost).Name("auth.refresh")
	group.Post(controller.Routes.Logout, ProtectedRoute(controller.Service.Issuer(), controller.Logger), controller.LogoutPost).Name("auth.logout")
	group.Post(controller.Routes.Register, controller.RegisterPost).Name("auth.register")
	group.Get(controller.Routes.VerifyEmail, controller.VerifyEmail).Name("auth.verify_email.get")
	group.Post(controller.Routes.VerifyEmail, controller.VerifyEmail).Name("auth.verify_email.post")
	group.Post(controller.Routes.ResendVerification, controller.ResendVerificationPost).Name("auth.resend_verification")

	return controller
}

type AuthControllerRoutes struct {
	Prefix             string
	Login              string
	Refresh            string
	Logout             string
	Register           string
	VerifyEmail        string
	ResendVerification string
}

type AuthController struct {
	Debug   bool
	Logger  Logger
	Service *Service
	Routes  *AuthControllerRoutes

	register *RegisterUserHandler
	verify   *AccountVerificationHandler
}

type AuthControllerOption func(*AuthController) *AuthController

// WithControllerService sets the lifecycle service
func WithControllerService(service *Service) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Service = service
		return c
	}
}

// WithControllerLogger sets the logger
func WithControllerLogger(logger Logger) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		if logger != nil {
			c.Logger = logger
		}
		return c
	}
}

// WithControllerDebug dumps request payloads to the debug log
func WithControllerDebug(debug bool) AuthControllerOption {
	return func(c *AuthController) *AuthController {
		c.Debug = debug
		return c
	}
}

func NewAuthController(opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Logger: defLogger{},
		Routes: &AuthControllerRoutes{
			Prefix:             "/auth",
			Login:              "/login",
			Refresh:            "/refresh",
			Logout:             "/logout",
			Register:           "/register",
			VerifyEmail:        "/verify-email",
			ResendVerification: "/resend-verification",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Service == nil {
		panic("Missing lifecycle Service in auth controller...")
	}

	c.register = NewRegisterUserHandler(c.Service)
	c.verify = NewAccountVerificationHandler(c.Service)

	return c
}

// LoginPayload is the login request body
type LoginPayload struct {
	Email    string `form:"email" json:"email"`
	Password string `form:"password" json:"password"`
}

// Validate will run validation rules
func (r LoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

func (a *AuthController) LoginPost(c *fiber.Ctx) error {
	payload := new(LoginPayload)
	if ok, err := a.bind(c, payload); !ok {
		return err
	}

	if err := payload.Validate(); err != nil {
		return a.validationError(c, err)
	}

	res := a.Service.Login(c.UserContext(), payload.Email, payload.Password)
	return c.Status(loginStatus(res)).JSON(res)
}

// RefreshPayload is the refresh request body
type RefreshPayload struct {
	RefreshToken string `form:"refresh_token" json:"refresh_token"`
}

// Validate will run validation rules
func (r RefreshPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RefreshToken, validation.Required),
	)
}

func (a *AuthController) RefreshPost(c *fiber.Ctx) error {
	payload := new(RefreshPayload)
	if ok, err := a.bind(c, payload); !ok {
		return err
	}

	if err := payload.Validate(); err != nil {
		return a.validationError(c, err)
	}

	res, err := a.Service.RefreshToken(c.UserContext(), payload.RefreshToken)
	if err != nil {
		if IsSecurityTokenError(err) {
			return c.Status(fiber.StatusUnauthorized).JSON(errorBody(MsgInvalidRefreshToken))
		}
		a.Logger.Error("refresh token error", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(MsgGenericError))
	}

	return c.JSON(fiber.Map{
		"success":            true,
		"access_token":       res.AccessToken,
		"refresh_token":      res.RefreshToken,
		"expires_at":         res.ExpiresAt,
		"refresh_expires_at": res.RefreshExpiresAt,
	})
}

func (a *AuthController) LogoutPost(c *fiber.Ctx) error {
	claims, ok := ClaimsFromLocals(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody("invalid access token"))
	}

	userID, err := uuid.Parse(claims.UserID())
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody("invalid access token"))
	}

	return c.JSON(fiber.Map{"success": a.Service.Logout(c.UserContext(), userID)})
}

func (a *AuthController) RegisterPost(c *fiber.Ctx) error {
	payload := new(RegisterRequest)
	if ok, err := a.bind(c, payload); !ok {
		return err
	}

	var res *RegisterResult
	err := a.register.Execute(c.UserContext(), RegisterUserMessage{
		Request: *payload,
		OnResponse: func(r *RegisterResult) {
			res = r
		},
	})
	if err != nil {
		a.Logger.Error("register user error", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(MsgRegisterError))
	}

	return c.Status(registerStatus(res)).JSON(res)
}

func (a *AuthController) VerifyEmail(c *fiber.Ctx) error {
	msg := AccountVerificationMessage{}
	if c.Method() == fiber.MethodGet {
		msg.Token = c.Query("token")
		msg.Email = c.Query("email")
	} else if ok, err := a.bind(c, &msg); !ok {
		return err
	}

	var res *OperationResult
	msg.OnResponse = func(r *OperationResult) {
		res = r
	}

	if err := a.verify.Execute(c.UserContext(), msg); err != nil {
		a.Logger.Error("verify email error", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(MsgGenericError))
	}

	return c.Status(operationStatus(res)).JSON(res)
}

func (a *AuthController) ResendVerificationPost(c *fiber.Ctx) error {
	msg := ResendVerificationMessage{}
	if ok, err := a.bind(c, &msg); !ok {
		return err
	}

	if err := validation.Validate(msg.Email, validation.Required, is.Email); err != nil {
		return a.validationError(c, validation.Errors{"email": err})
	}

	var res *OperationResult
	msg.OnResponse = func(r *OperationResult) {
		res = r
	}

	if err := a.verify.Resend(c.UserContext(), msg); err != nil {
		a.Logger.Error("resend verification error", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody(MsgGenericError))
	}

	return c.Status(operationStatus(res)).JSON(res)
}

// bind parses the body into payload. When it reports false the error
// response has already been written.
func (a *AuthController) bind(c *fiber.Ctx, payload any) (bool, error) {
	if err := c.BodyParser(payload); err != nil {
		a.Logger.Error("parse payload error", "error", err)
		return false, c.Status(fiber.StatusBadRequest).JSON(errorBody("failed to parse request body"))
	}

	if a.Debug {
		a.Logger.Debug("======= AUTH PAYLOAD ======")
		a.Logger.Debug(print.MaybePrettyJSON(redact(payload)))
	}
	return true, nil
}

func (a *AuthController) validationError(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success":    false,
		"message":    "invalid request",
		"validation": FormatValidationErrorToMap(err),
	})
}

// FormatValidationErrorToMap flattens ozzo validation errors per field
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}

	if err != nil {
		out["form"] = err.Error()
	}
	return out
}

// redact hides secrets before payloads are dumped to the log
func redact(payload any) any {
	switch p := payload.(type) {
	case *LoginPayload:
		cp := *p
		cp.Password = mask(cp.Password)
		return cp
	case *RegisterRequest:
		cp := *p
		cp.Password = mask(cp.Password)
		cp.ConfirmPassword = mask(cp.ConfirmPassword)
		return cp
	case *RefreshPayload:
		return RefreshPayload{RefreshToken: mask(p.RefreshToken)}
	case *AccountVerificationMessage:
		return map[string]string{"email": p.Email, "token": mask(p.Token)}
	case *ResendVerificationMessage:
		return map[string]string{"email": p.Email}
	default:
		return payload
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return strings.Repeat("*", 8)
}

func loginStatus(res *LoginResult) int {
	if res.Success {
		return fiber.StatusOK
	}
	switch res.Message {
	case MsgEmailNotVerified:
		return fiber.StatusForbidden
	case MsgTooManyLoginAttempts:
		return fiber.StatusTooManyRequests
	case MsgLoginError:
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusUnauthorized
	}
}

func registerStatus(res *RegisterResult) int {
	if res.Success {
		return fiber.StatusCreated
	}
	switch res.Message {
	case MsgEmailAlreadyExists:
		return fiber.StatusConflict
	case MsgRegisterError:
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusBadRequest
	}
}

func operationStatus(res *OperationResult) int {
	if res.Success {
		return fiber.StatusOK
	}
	switch res.Message {
	case MsgUserNotFound:
		return fiber.StatusNotFound
	case MsgEmailAlreadyVerified:
		return fiber.StatusConflict
	case MsgGenericError:
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusBadRequest
	}
}
