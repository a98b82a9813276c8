// Package copilot implements a Discord bot which replies to messages using
// an OpenAI-compatible chat completion API, along with an admin dashboard
// for configuring it.
//
// The bot replies when it's mentioned, or when a message is posted in one
// of the allowed channels configured from the dashboard. Each reply is
// generated from the configured system instructions, a rolling summary of
// the conversation so far, and the user's message. Every few replies the
// summary is condensed with the latest exchange, so the bot keeps some
// memory of the conversation without storing the full history.
//
// Key components:
//
//   - Copilot: Runs the bot, wiring the components below together.
//   - MessageHandler: Decides whether to reply, then generates, shapes and
//     sends the reply, and updates the conversation state.
//   - ChannelCache: Caches the allowed channel list, refreshed at most once
//     per TTL.
//   - OpenAI: Generates replies and conversation summaries.
//   - Store: Persists system instructions, allowed channels, the
//     conversation state, the admin account and chat completion logs.
//   - API: The admin dashboard and health endpoint.
//   - DBNotifier: Announces allowed channel changes so caches are refreshed
//     immediately.
package copilot
