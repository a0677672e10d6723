// Package tgui builds Telegram HTML message text.
//
// Values of type H are already escaped for ParseMode=HTML; build them with
// Esc and the tag helpers, never by concatenating raw input.
package tgui
