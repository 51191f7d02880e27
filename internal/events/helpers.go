package events

import (
	"encoding/json"
	"fmt"
)

// SetSessionStartedData sets the Data field with SessionStartedData in a type-safe way.
func (e *Event) SetSessionStartedData(data SessionStartedData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert SessionStartedData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetSessionStartedData retrieves SessionStartedData from the Data field.
func (e *Event) GetSessionStartedData() (*SessionStartedData, error) {
	var data SessionStartedData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse SessionStartedData: %w", err)
	}
	return &data, nil
}

// SetSessionEndedData sets the Data field with SessionEndedData in a type-safe way.
func (e *Event) SetSessionEndedData(data SessionEndedData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert SessionEndedData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetSessionEndedData retrieves SessionEndedData from the Data field.
func (e *Event) GetSessionEndedData() (*SessionEndedData, error) {
	var data SessionEndedData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse SessionEndedData: %w", err)
	}
	return &data, nil
}

// SetAttemptData sets the Data field with AttemptData in a type-safe way.
func (e *Event) SetAttemptData(data AttemptData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert AttemptData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetAttemptData retrieves AttemptData from the Data field.
func (e *Event) GetAttemptData() (*AttemptData, error) {
	var data AttemptData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse AttemptData: %w", err)
	}
	return &data, nil
}

// SetThresholdData sets the Data field with ThresholdData in a type-safe way.
func (e *Event) SetThresholdData(data ThresholdData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert ThresholdData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetThresholdData retrieves ThresholdData from the Data field.
func (e *Event) GetThresholdData() (*ThresholdData, error) {
	var data ThresholdData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ThresholdData: %w", err)
	}
	return &data, nil
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
