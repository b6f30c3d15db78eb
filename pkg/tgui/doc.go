// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders
//   - Callback data helpers (scope:action:payload)
//   - Safe-by-default HTML formatting for ParseMode="HTML"
package tgui
