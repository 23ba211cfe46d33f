// Package hook runs Lua scripts as client ready hooks.
//
// A ready hook runs after the handshake and before the client reports
// Connected, which makes it the place to prime a server:
//
//	script, err := hook.LoadScript("ready.lua")
//	caps.OnReady = hook.LuaReadyHook(script, logger)
//
// where ready.lua might be:
//
//	local tools = rpc.request("tools/list")
//	for _, tool in ipairs(tools.tools or {}) do
//	    log("tool " .. tool.name)
//	end
//	rpc.notify("notifications/roots/list_changed")
//
// A script error aborts the client's Start.
package hook
