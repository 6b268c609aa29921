package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/untibullet/session-hub/internal/invite"
	"github.com/untibullet/session-hub/internal/protocol"
	"github.com/untibullet/session-hub/internal/router"
	"go.uber.org/zap"
)

// Коды ошибок для API
const (
	ErrCodeValidation = protocol.ErrCodeValidation
	ErrCodeNotFound   = protocol.ErrCodeNotFound
	ErrCodeInternal   = protocol.ErrCodeInternal
)

// tokenAttempts - сколько раз пробуем сгенерировать незанятый инвайт-код
const tokenAttempts = 5

type Handler struct {
	router   *router.Router
	logger   *zap.Logger
	opts     WSOptions
	upgrader websocket.Upgrader
}

// New создает новый экземпляр обработчика
func New(r *router.Router, logger *zap.Logger, opts WSOptions) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		router: r,
		logger: logger,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// клиенты - расширения редактора, Origin у них произвольный
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ErrorResponse представляет структуру ошибки API
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newErrorResponse создает стандартный ответ с ошибкой
func newErrorResponse(code, message string) ErrorResponse {
	var resp ErrorResponse
	resp.Error.Code = code
	resp.Error.Message = message
	return resp
}

// respondError переводит ошибку маршрутизатора в HTTP-ответ
func (h *Handler) respondError(c echo.Context, op string, err error) error {
	var (
		verr *protocol.ValidationError
		nerr *router.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		h.logger.Warn(op+": некорректный запрос", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, verr.Error()))
	case errors.As(err, &nerr):
		h.logger.Warn(op+": сессия не найдена", zap.Error(err))
		return c.JSON(http.StatusNotFound, newErrorResponse(ErrCodeNotFound, nerr.Error()))
	default:
		h.logger.Error(op+": внутренняя ошибка", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, newErrorResponse(ErrCodeInternal, "internal error, please try again later"))
	}
}

// CreateProject создает сессию с новым инвайт-кодом
func (h *Handler) CreateProject(c echo.Context) error {
	h.logger.Info("CreateProject: начало обработки запроса")

	var req struct {
		Name   string `json:"name"`
		Member string `json:"member"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("CreateProject: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}
	if req.Name == "" {
		h.logger.Warn("CreateProject: не указано имя проекта")
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "missing required field: name"))
	}

	ctx := c.Request().Context()

	token, err := h.freeToken(c)
	if err != nil {
		return h.respondError(c, "CreateProject", err)
	}

	project, role, err := h.router.CreateProject(ctx, req.Name, token, req.Member)
	if err != nil {
		return h.respondError(c, "CreateProject", err)
	}

	h.logger.Info("CreateProject: проект создан",
		zap.String("token", token), zap.String("name", req.Name), zap.String("role", role))
	return c.JSON(http.StatusCreated, map[string]interface{}{"project": project, "token": token})
}

// freeToken генерирует инвайт-код, не занятый существующей сессией
func (h *Handler) freeToken(c echo.Context) (string, error) {
	for i := 0; i < tokenAttempts; i++ {
		token, err := invite.Generate()
		if err != nil {
			return "", err
		}
		_, err = h.router.Snapshot(c.Request().Context(), token)
		var nerr *router.NotFoundError
		if errors.As(err, &nerr) {
			return token, nil
		}
		if err != nil {
			return "", err
		}
		h.logger.Warn("CreateProject: инвайт-код уже занят, генерируем новый")
	}
	return "", errors.New("failed to generate a free invite token")
}

// JoinProject присоединяет участника к сессии по инвайт-коду
func (h *Handler) JoinProject(c echo.Context) error {
	h.logger.Info("JoinProject: начало обработки запроса")

	var req struct {
		Token  string `json:"token"`
		Member string `json:"member"`
	}
	if err := c.Bind(&req); err != nil {
		h.logger.Error("JoinProject: ошибка парсинга тела запроса", zap.Error(err))
		return c.JSON(http.StatusBadRequest, newErrorResponse(ErrCodeValidation, "invalid request body"))
	}

	project, role, err := h.router.Join(c.Request().Context(), req.Token, req.Member)
	if err != nil {
		return h.respondError(c, "JoinProject", err)
	}

	h.logger.Info("JoinProject: участник присоединился",
		zap.String("token", req.Token), zap.String("member", req.Member), zap.String("role", role))
	return c.JSON(http.StatusOK, map[string]interface{}{"project": project, "role": role})
}

// GetProject возвращает снимок состояния сессии
func (h *Handler) GetProject(c echo.Context) error {
	token := c.Param("token")
	h.logger.Info("GetProject: получение проекта", zap.String("token", token))

	project, err := h.router.Snapshot(c.Request().Context(), token)
	if err != nil {
		return h.respondError(c, "GetProject", err)
	}

	h.logger.Info("GetProject: проект успешно получен",
		zap.String("token", token), zap.Int("members_count", len(project.Members)))
	return c.JSON(http.StatusOK, map[string]interface{}{"project": project})
}

// Health - проверка живости
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// RegisterRoutes регистрирует все маршруты API
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Projects
	e.POST("/api/project", h.CreateProject)
	e.POST("/api/join", h.JoinProject)
	e.GET("/api/project/:token", h.GetProject)

	// Health
	e.GET("/api/health", h.Health)
	e.GET("/health", h.Health)

	// Persistent connection
	e.GET("/ws", h.ServeWS)
}
