package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Standalone fake speech-to-text endpoint for local development. Point the
// engine at http://localhost:9000/v1/speech-to-text and every request gets
// a canned transcription back.

type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Type  string  `json:"type"`
}

type TranscriptionResponse struct {
	Text                string  `json:"text"`
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
	Words               []Word  `json:"words"`
}

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("xi-api-key") == "" {
		http.Error(w, "Missing API key", http.StatusUnauthorized)
		return
	}

	// Parse multipart form
	err := r.ParseMultipartForm(32 << 20) // 32 MB
	if err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	modelID := r.FormValue("model_id")
	language := r.FormValue("language")
	prompt := r.FormValue("prompt")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("🎤 TRANSCRIPTION REQUEST RECEIVED:")
	log.Printf("    Model: %s", modelID)
	log.Printf("    Language: %s", language)
	log.Printf("    Prompt: %q", prompt)
	log.Printf("    Filename: %s", header.Filename)
	log.Printf("    Audio Size: %d bytes", len(audioData))

	// Simulate processing time
	time.Sleep(200 * time.Millisecond)

	response := TranscriptionResponse{
		Text:                "this is a test transcription of the audio chunk",
		LanguageCode:        "en",
		LanguageProbability: 0.97,
		Words: []Word{
			{Text: "this", Start: 0.0, End: 0.2, Type: "word"},
			{Text: "is", Start: 0.2, End: 0.35, Type: "word"},
			{Text: "a", Start: 0.35, End: 0.4, Type: "word"},
			{Text: "test", Start: 0.4, End: 0.7, Type: "word"},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("✅ TRANSCRIPTION RESPONSE SENT: '%s'", response.Text)
	log.Println("---")
}

func main() {
	http.HandleFunc("/v1/speech-to-text", transcribeHandler)

	port := ":9000"
	log.Printf("🚀 Test Engine Server starting on port %s", port)
	log.Printf("📡 Endpoint: http://localhost%s/v1/speech-to-text", port)
	fmt.Println("💡 Update your config engine.endpoint to use it")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatal("Server failed to start:", err)
	}
}
