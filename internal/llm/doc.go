// Package llm is the completion backend boundary.
//
// A Backend takes the active agent's Request (instructions, model, tools,
// legal hand-off targets and the conversation history) and returns exactly
// one Response or one error. Response is a tagged value:
//
//	switch resp.Kind {
//	case llm.KindReply:   // send resp.Text to the user
//	case llm.KindHandoff: // switch to resp.Target and ask again
//	case llm.KindEnd:     // close the conversation
//	}
//
// # OpenAI
//
// OpenAI exposes each hand-off target to the model as a transfer_to_<agent>
// function and the end directive as conclude_conversation. Other function
// calls run local Tools and are fed back, up to MaxToolRounds; past that the
// call fails with ErrTooManyToolCalls.
//
// HTTP failures are returned as *StatusError so callers can decide whether a
// retry makes sense without knowing the client library.
package llm
