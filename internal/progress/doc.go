// Package progress prints human-readable migration progress.
//
// The reporter plugs into the pipeline as both its progress reporter and
// the worker's upload observer, so every dispatch and upload gets a line as it
// happens. Every settled item, skips included, gets a line naming its id. A
// status line can be printed periodically and a summary is printed at the
// end.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Total:          len(items),
//	    Workers:        25,
//	    Destination:    "s3://audio-bucket",
//	    UpdateInterval: 10 * time.Second,
//	})
//
//	reporter.Start()
//	snap := pipeline.Run(ctx, items, pipeline.Options{Reporter: reporter, ...})
//	reporter.Stop()
//	reporter.Summary(snap)
//
// # Output Format
//
//	[cdnmigrate] Migrating 3 items to s3://audio-bucket | Workers: 25
//	[cdnmigrate] [1/3] id=1 https://old.example.com/a.mp3
//	[upload] id=1 -> s3://audio-bucket/chizuk/audio/1-intro.mp3
//	[cdnmigrate] OK id=1 -> https://cdn.example.com/chizuk/audio/1-intro.mp3
//	[cdnmigrate] SKIP id=2 row=3: missing id or source url
//	[cdnmigrate] ERROR id=3 row=4: transfer: http status 404: 404 Not Found
//	[cdnmigrate] Progress: 66.7% | 1 ok | 1 failed | 0 in-flight | 2.41 MB | 3s
//	[cdnmigrate] Summary: success=1 failed=1 skipped=1 submitted=2
package progress
