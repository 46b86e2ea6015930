// Package llm talks to an OpenRouter-compatible chat-completions API.
//
// OpenRouter is the raw HTTP client. Guarded wraps any Client with the
// dispatcher's protections: it waits on the rate limiter, reserves the
// worst-case cost against the budget meter, retries transient failures with
// backoff and stops calling an upstream that keeps failing.
package llm
