package gemini

import (
	"fmt"
	"strings"
)

const detectionSystemPrompt = `You are a static analysis assistant for Java codebases.
Analyze the provided file for code smells. Respond with JSON only, no prose, in this shape:
{
  "has_smells": true,
  "smells": [
    {
      "type": "long_method",
      "severity": "high",
      "location": "ClassName.methodName",
      "description": "why this is a problem",
      "suggestion": "how to fix it"
    }
  ]
}
Use severity values "low", "medium", or "high". If the file is clean, respond with {"has_smells": false, "smells": []}.`

func detectionUserPrompt(path, source string) string {
	return fmt.Sprintf("File: %s\n\n```java\n%s\n```", path, source)
}

const refactorSystemPrompt = `You are an expert Java refactoring assistant.
Refactor the provided file to address the listed code smells while preserving behavior and the public API.

If a safe full rewrite is possible, respond with the complete refactored file between these markers:
=== REFACTORED CODE ===
<the full file content>
=== END ===

If changes would be too risky to apply automatically, respond with advisory guidance instead:
=== REFACTORING SUGGESTIONS ===
<numbered, concrete suggestions>
=== END ===

If the refactoring must touch other files, emit each complete file as a section headed by "=== path/To/File.java ===".`

func refactorUserPrompt(req RefactorRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Refactor %s to address: %s.\n\n", req.Path, joinSmells(req.Smells))
	fmt.Fprintf(&b, "=== %s ===\n```java\n%s\n```\n", req.Path, req.Source)
	for _, path := range sortedRelatedPaths(req.Related) {
		fmt.Fprintf(&b, "\nRelated file %s (context only):\n```java\n%s\n```\n", path, req.Related[path])
	}
	return b.String()
}

const revisionSystemPrompt = `You are an expert Java refactoring assistant revising a previous refactoring based on code review feedback.
Apply the feedback while preserving behavior and the public API. Respond with the complete revised file between these markers:
=== REFACTORED CODE ===
<the full file content>
=== END ===`

func revisionUserPrompt(req ReviseRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n\nReview feedback to address:\n", req.Path)
	for i, comment := range req.Feedback {
		fmt.Fprintf(&b, "%d. %s\n", i+1, comment)
	}
	fmt.Fprintf(&b, "\nCurrent content:\n```java\n%s\n```", req.Source)
	return b.String()
}
