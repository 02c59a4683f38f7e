// Package api 通过 HTTP 暴露会话生命周期与后台 Agent 的控制接口。
//
// 路由基于 go-chi，请求体沿用前端使用的 camelCase 字段，业务错误按
// errors.Kind 映射为 HTTP 状态码。
package api
