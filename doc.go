// Package grab downloads binaries published as GitHub release assets.
//
// A [Downloader] takes a list of [release.AssetRequest], each describing which
// asset of the release is wanted, and drives every match through the same
// sequence: transfer into a digest keyed cache directory, digest verification
// and a post processing pipeline of [plugin.Step] values (extract, copy, ...).
//
// Transfers resume partial files and revalidate cached ones through the ETag
// kept by the [Hooks]. How bytes are moved is chosen once through a
// [transfer.Mode]:
// - [transfer.Native]: plain net/http
// - [transfer.Command]: an external tool like wget or curl
// - [transfer.Custom]: any function
//
// Progress is reported as [State] snapshots through the [Emitter]. Assets whose
// digest doesn't match are never retried automatically; they are parked and wait
// for an operator decision passed to [Downloader.Resolve].
//
// example usage
//
//	provider, err := release.NewGitHub("cli/cli")
//	if err != nil {
//		return err
//	}
//
//	downloader, err := grab.New(
//		provider,
//		[]release.AssetRequest{
//			{
//				// first asset containing every keyword
//				Match:   release.Keywords("linux", "amd64", ".tar.gz"),
//				Plugins: []plugin.Step{plugin.Extract(""), plugin.Copy("gh", "./bin/gh")},
//			},
//		},
//		grab.WithTag("v2.62.0"),
//		grab.WithEmitter(func(state grab.State) {
//			fmt.Println(state.Filename, state.Status, state.Loaded, state.Total)
//		}),
//	)
//	if err != nil {
//		return err
//	}
//
//	result, err := downloader.Run(ctx)
//	if err != nil {
//		return fmt.Errorf("failed to download gh: %w", err)
//	}
//
//	// corrupted downloads need an explicit decision
//	for _, asset := range result.VerificationFailed {
//		downloader.Resolve(ctx, []grab.Decision{{Asset: asset, Action: grab.ActionRetry}})
//	}
package grab
