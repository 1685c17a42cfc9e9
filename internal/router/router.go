package router

import (
	"tenantgate/internal/handlers"
	"tenantgate/internal/middleware"
	"tenantgate/internal/models"
	"tenantgate/internal/services"
	"tenantgate/pkg/config"
	"tenantgate/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// Services 路由依赖的服务
type Services struct {
	Sessions *services.SessionService
	Auth     *services.AuthService
	Tenants  *services.TenantService
	Users    *services.UserService
	Roles    *services.RoleService
	Clock    services.Clock
	// Health 健康检查需要探测的依赖
	Health map[string]handlers.Pinger
}

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, svc Services) *gin.Engine {
	router := gin.New()

	// 中间件
	router.Use(middleware.RequestID())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.AccessLog())
	router.Use(metrics.Instrument())
	router.Use(middleware.SetupCORS(cfg.CORS))

	// 注册路由
	registerRoutes(router, cfg, svc)
	return router
}

// 注册所有路由
func registerRoutes(router *gin.Engine, cfg *config.Config, svc Services) {
	auth := middleware.NewAuthMiddleware(svc.Sessions, cfg.Auth.CookieName)
	tenant := middleware.ResolveTenant(svc.Tenants)
	loginLimiter := middleware.NewLoginRateLimiter(cfg.Auth.LoginRatePerSec, cfg.Auth.LoginRateBurst)

	systemHandler := handlers.NewSystemHandler(svc.Health)
	router.GET("/health", systemHandler.Health)
	router.GET("/metrics", systemHandler.Metrics())

	// API路由组
	api := router.Group("/api/v1")
	{
		// 认证路由
		authHandler := handlers.NewAuthHandler(svc.Auth, handlers.NewCookieSettings(cfg.Auth), svc.Clock)
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/login", loginLimiter.Middleware(), tenant, authHandler.Login)
			authGroup.POST("/logout", auth.RequireLogin(), authHandler.Logout)
			authGroup.GET("/me", auth.RequireLogin(), authHandler.Me)

			authGroup.POST("/password-reset/request", tenant, authHandler.RequestPasswordReset)
			authGroup.POST("/password-reset/confirm", tenant, authHandler.ConfirmPasswordReset)
			authGroup.POST("/invite/accept", tenant, authHandler.AcceptInvite)
		}

		identity := api.Group("/identity", auth.RequireLogin())
		{
			read := middleware.RequirePermission(models.PermIdentityRead)
			manageUsers := middleware.RequirePermission(models.PermIdentityUsersManage)
			manageRoles := middleware.RequirePermission(models.PermIdentityRolesManage)

			// 用户
			userHandler := handlers.NewUserHandler(svc.Users)
			users := identity.Group("/users")
			{
				users.GET("", read, userHandler.List)
				users.POST("", manageUsers, userHandler.Create)
				users.GET("/:id", read, userHandler.GetByID)
				users.PUT("/:id", manageUsers, userHandler.Update)

				users.POST("/:id/block", manageUsers, userHandler.Block)
				users.POST("/:id/activate", manageUsers, userHandler.Activate)
				users.POST("/:id/deactivate", manageUsers, userHandler.Deactivate)
				users.POST("/:id/reset-password", manageUsers, userHandler.ResetPassword)
				users.POST("/:id/sessions/revoke", manageUsers, userHandler.RevokeSessions)

				users.PUT("/:id/roles", manageRoles, userHandler.AssignRoles)
			}

			// 角色
			roleHandler := handlers.NewRoleHandler(svc.Roles)
			roles := identity.Group("/roles")
			{
				roles.GET("", read, roleHandler.List)
				roles.POST("", manageRoles, roleHandler.Create)
				roles.GET("/:id", read, roleHandler.GetByID)
				roles.PUT("/:id", manageRoles, roleHandler.Update)
			}

			// 权限目录
			identity.GET("/permissions", read, handlers.NewPermissionHandler().GetAll)
		}

		// 平台管理，会话必须属于平台租户
		platform := api.Group("/platform", auth.RequireLogin(), middleware.RequirePermission(models.PermPlatformTenantsManage))
		{
			tenantHandler := handlers.NewTenantHandler(svc.Tenants)
			tenants := platform.Group("/tenants")
			{
				tenants.POST("", tenantHandler.Create)
				tenants.GET("", tenantHandler.List)
				tenants.GET("/:id", tenantHandler.GetByID)
				tenants.PUT("/:id", tenantHandler.Update)
				tenants.PUT("/:id/status", tenantHandler.UpdateStatus)
				tenants.PUT("/:id/plan", tenantHandler.UpdatePlan)
				tenants.POST("/:id/bootstrap-admin", tenantHandler.BootstrapAdmin)
			}
		}
	}
}
