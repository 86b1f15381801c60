// Package api provides the vendor cloud HTTP(S) API ("conf" listener) that
// companion apps log in through, plus the HTTP plumbing shared with the
// admin listener.
//
// The conf listener implements the subset of the vendor API needed to hand
// out credentials:
//
//	POST /v1/private/{country}/{lang}/{deviceId}/{appCode}/{appVersion}/{channel}/{deviceType}/user/login
//	GET  /v1/private/.../user/checkLogin
//	GET  /v1/private/.../user/getAuthCode
//	POST /api/users/user.do    (todo: loginByItToken, GetDeviceList, logout)
//	GET  /health
//
// Login issues an access token for the user that owns the app's device id,
// creating the user on first contact. getAuthCode binds a fresh authcode to
// a live token; loginByItToken exchanges it, once, for the token.
//
// Lifecycle:
//
//	srv, err := api.New(deps)
//	srv.Listen(ctx)
//	srv.Serve(ctx)
//	srv.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
