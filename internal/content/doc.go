// Package content is the narrated explainer pipeline built on the engine:
//
//	research → synthesize_script ⟲ → parse_script → collect_images ⟲ →
//	map_images → generate_voice → finalize → TERMINATED
//
// synthesize_script is gated by a word range and a model judge; collect_images
// by a minimum image count. Both loop on rejection until their retry cap.
//
// Every external call goes through the service.Client of its provider, so
// stages only describe requests and merge results.
package content
