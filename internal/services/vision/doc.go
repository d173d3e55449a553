// Package vision adapts an OpenAI-compatible chat completion endpoint into the
// analyze and synthesize collaborators used by the metadata pipeline.
//
// Analyze sends a base64 image and returns a structured scene description.
// Synthesize turns that description, the creator profile, the user's free-text
// context and the project's event context into a metadata document. Both
// report the model, prompt version, token usage and wall time so results can
// be reproduced.
package vision
