package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type ctxKey string

func rawParams(raw string) []json.RawMessage {
	var params []json.RawMessage
	err := json.Unmarshal([]byte(raw), &params)
	if err != nil {
		panic(err)
	}
	return params
}

func TestGetMethodTypes(t *testing.T) {
	funcWithTypes := func(ctx context.Context, arg1 int, arg2 float32) error {
		return nil
	}
	methodTypes, err := getMethodTypes(funcWithTypes)
	require.NoError(t, err)
	require.Equal(t, 2, len(methodTypes.in))
	require.Equal(t, 1, len(methodTypes.out))
	require.Equal(t, 2, methodTypes.required)

	funcWithOptional := func(ctx context.Context, arg1 int, arg2 *int, arg3 *string) error {
		return nil
	}
	methodTypes, err = getMethodTypes(funcWithOptional)
	require.NoError(t, err)
	require.Equal(t, 1, methodTypes.required)

	funcWithoutArgs := func(ctx context.Context) error {
		return nil
	}
	_, err = getMethodTypes(funcWithoutArgs)
	require.NoError(t, err)

	_, err = getMethodTypes(42)
	require.ErrorIs(t, err, ErrNotFunction)

	funcWithouCtx := func(arg1 int, arg2 float32) error {
		return nil
	}
	_, err = getMethodTypes(funcWithouCtx)
	require.ErrorIs(t, err, ErrMustHaveContext)

	funcWithouError := func(ctx context.Context, arg1 int, arg2 float32) (int, float32) {
		return 0, 0
	}
	_, err = getMethodTypes(funcWithouError)
	require.ErrorIs(t, err, ErrMustReturnError)

	funcWithTooManyReturnValues := func(ctx context.Context, arg1 int, arg2 float32) (int, float32, error) {
		return 0, 0, nil
	}
	_, err = getMethodTypes(funcWithTooManyReturnValues)
	require.ErrorIs(t, err, ErrTooManyReturnValues)

	funcWithChan := func(ctx context.Context, ch chan int) error {
		return nil
	}
	_, err = getMethodTypes(funcWithChan)
	require.ErrorIs(t, err, ErrUnsupportedArgument)
}

type dummyStruct struct {
	Field int `json:"field"`
}

func TestDecodeParams(t *testing.T) {
	funcWithTypes := func(context.Context, int, float32, []int, dummyStruct, *int) error {
		return nil
	}
	methodTypes, err := getMethodTypes(funcWithTypes)
	require.NoError(t, err)

	args, err := methodTypes.decodeParams(rawParams(`[1, 2.0, [2, 3, 5], {"field": 11}]`))
	require.NoError(t, err)
	require.Equal(t, 5, len(args))
	require.Equal(t, int(1), args[0].Interface())
	require.Equal(t, float32(2.0), args[1].Interface())
	require.Equal(t, []int{2, 3, 5}, args[2].Interface())
	require.Equal(t, dummyStruct{Field: 11}, args[3].Interface())
	require.Nil(t, args[4].Interface())

	args, err = methodTypes.decodeParams(rawParams(`[1, 2.0, [], {}, 7]`))
	require.NoError(t, err)
	require.Equal(t, 7, *args[4].Interface().(*int)) //nolint:forcetypeassert

	_, err = methodTypes.decodeParams(rawParams(`[1, 2.0]`))
	require.ErrorIs(t, err, ErrMissingArguments)

	_, err = methodTypes.decodeParams(rawParams(`[1, 2.0, [], {}, 7, 8]`))
	require.ErrorIs(t, err, ErrTooMuchArguments)

	_, err = methodTypes.decodeParams(rawParams(`["1", 2.0, [], {}]`))
	require.ErrorIs(t, err, ErrInvalidArgument)

	funcWithoutArgs := func(context.Context) error {
		return nil
	}
	methodTypes, err = getMethodTypes(funcWithoutArgs)
	require.NoError(t, err)
	args, err = methodTypes.decodeParams(rawParams(`[]`))
	require.NoError(t, err)
	require.Equal(t, 0, len(args))
}

func TestCall(t *testing.T) {
	// for testing error return
	var (
		errorArg = 0
		errorOut = errors.New("function error") //nolint:goerr113
	)
	functionWithTypes := func(ctx context.Context, arg int) (dummyStruct, error) {
		// test context
		value := ctx.Value(ctxKey("key")).(string) //nolint:forcetypeassert
		require.Equal(t, "value", value)

		if arg == errorArg {
			return dummyStruct{}, errorOut
		}
		return dummyStruct{arg}, nil
	}
	functionNoArgs := func(ctx context.Context) (dummyStruct, error) {
		return dummyStruct{1}, nil
	}
	functionNoArgsError := func(ctx context.Context) (dummyStruct, error) {
		return dummyStruct{}, errorOut
	}
	functionNoReturn := func(ctx context.Context, arg int) error {
		value := ctx.Value(ctxKey("key")).(string) //nolint:forcetypeassert
		require.Equal(t, "value", value)
		return nil
	}
	functonNoReturnError := func(ctx context.Context, arg int) error {
		return errorOut
	}
	functionOptional := func(ctx context.Context, arg *int) (dummyStruct, error) {
		if arg == nil {
			return dummyStruct{-1}, nil
		}
		return dummyStruct{*arg}, nil
	}

	testCases := map[string]struct {
		function      interface{}
		args          string
		expectedValue interface{}
		expectedError error
	}{
		"functionWithTypes": {
			function:      functionWithTypes,
			args:          `[1]`,
			expectedValue: dummyStruct{1},
		},
		"functionWithTypesError": {
			function:      functionWithTypes,
			args:          fmt.Sprintf(`[%d]`, errorArg),
			expectedValue: dummyStruct{},
			expectedError: errorOut,
		},
		"functionNoArgs": {
			function:      functionNoArgs,
			args:          `[]`,
			expectedValue: dummyStruct{1},
		},
		"functionNoArgsError": {
			function:      functionNoArgsError,
			args:          `[]`,
			expectedValue: dummyStruct{},
			expectedError: errorOut,
		},
		"functionNoReturn": {
			function: functionNoReturn,
			args:     `[1]`,
		},
		"functionNoReturnError": {
			function:      functonNoReturnError,
			args:          `[1]`,
			expectedError: errorOut,
		},
		"functionOptionalOmitted": {
			function:      functionOptional,
			args:          `[]`,
			expectedValue: dummyStruct{-1},
		},
		"functionOptionalSet": {
			function:      functionOptional,
			args:          `[5]`,
			expectedValue: dummyStruct{5},
		},
		"missingArgument": {
			function:      functionWithTypes,
			args:          `[]`,
			expectedError: ErrMissingArguments,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			methodTypes, err := getMethodTypes(testCase.function)
			require.NoError(t, err)

			ctx := context.WithValue(context.Background(), ctxKey("key"), "value")

			result, err := methodTypes.call(ctx, rawParams(testCase.args))
			if testCase.expectedError == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, testCase.expectedError)
			}
			require.Equal(t, testCase.expectedValue, result)
		})
	}
}
